package whip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidAnswer = errors.New("whip: error invalid sdp answer")
	ErrNoEndpoint    = errors.New("whip: error empty endpoint")
)

// RejectedError is returned when the endpoint answers the offer with a
// non-2xx status.
type RejectedError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("whip: publish rejected: %s", e.Status)
	}

	return fmt.Sprintf("whip: publish rejected: %s: %s", e.Status, e.Body)
}

type answer struct {
	sdp         string
	resourceURL string
	playbackURL string
}

// gatherLocalDescription sets the offer as local description and waits for
// ICE gathering to complete or the timeout to pass.
func gatherLocalDescription(ctx context.Context, pc *webrtc.PeerConnection, timeout time.Duration, log logging.LeveledLogger) (string, bool, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", false, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)

	if err := pc.SetLocalDescription(offer); err != nil {
		return "", false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	partial := false
	select {
	case <-gatherComplete:
	case <-timer.C:
		partial = true
		log.Debugf("whip: ice gathering not complete after %s, sending partial candidates", timeout)
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return offer.SDP, partial, nil
	}

	return local.SDP, partial, nil
}

// exchange POSTs the offer and returns the validated answer.
func exchange(ctx context.Context, client *http.Client, endpoint, token, offer, playbackHeader string) (answer, error) {
	if endpoint == "" {
		return answer{}, ErrNoEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return answer{}, err
	}

	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Accept", "application/sdp")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return answer{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSDPSize))
	if err != nil {
		return answer{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return answer{}, &RejectedError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := validateAnswer(body); err != nil {
		return answer{}, err
	}

	return answer{
		sdp:         string(body),
		resourceURL: resolveLocation(endpoint, resp.Header.Get("Location")),
		playbackURL: resp.Header.Get(playbackHeader),
	}, nil
}

func validateAnswer(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrInvalidAnswer
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}

	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrInvalidAnswer)
	}

	return nil
}

func resolveLocation(endpoint, location string) string {
	if location == "" {
		return ""
	}

	base, err := url.Parse(endpoint)
	if err != nil {
		return location
	}

	ref, err := url.Parse(location)
	if err != nil {
		return location
	}

	return base.ResolveReference(ref).String()
}

// deleteResource ends the session on the server. It is best effort.
func deleteResource(ctx context.Context, client *http.Client, resourceURL, token string) error {
	if resourceURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resourceURL, nil)
	if err != nil {
		return err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("whip: delete %s: %s", resourceURL, resp.Status)
	}

	return nil
}
