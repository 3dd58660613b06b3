// Package platform holds the HTTP clients for the collaborators the match
// core talks to: the user/profile directory and the tournament service. Both
// sit behind the same platform base URL.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"paddlearena/gamecore/internal/logging"
)

// UserStatus is the platform-wide presence state of an account.
type UserStatus string

const (
	StatusOnline  UserStatus = "ONLINE"
	StatusOffline UserStatus = "OFFLINE"
	StatusInMatch UserStatus = "IN_MATCH"
)

// ErrUnavailable wraps transport failures and non-2xx platform responses.
var ErrUnavailable = errors.New("platform unavailable")

// Participants are the two accounts scheduled for a tournament match.
type Participants struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

// Contains reports whether the user id is one of the two scheduled players.
func (p Participants) Contains(userID string) bool {
	if userID == "" {
		return false
	}
	return p.UserA == userID || p.UserB == userID
}

type profileResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

type resultReport struct {
	MatchID  string `json:"match_id"`
	WinnerID string `json:"winner_id"`
	ScoreA   int    `json:"score_a"`
	ScoreB   int    `json:"score_b"`
}

// Client is a thin resty wrapper over the platform's internal REST surface.
type Client struct {
	rest   *resty.Client
	logger *logging.Logger
}

// Option configures optional client behaviour.
type Option func(*Client)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds every platform request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.rest.SetTimeout(timeout)
		}
	}
}

// NewClient builds a platform client rooted at the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		rest:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")),
		logger: logging.L(),
	}
	client.rest.SetTimeout(5 * time.Second)
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

func (c *Client) profile(ctx context.Context, userID string) (profileResponse, error) {
	var profile profileResponse
	response, err := c.rest.R().
		SetContext(ctx).
		SetResult(&profile).
		Get("/internal/users/" + userID)
	if err != nil {
		return profileResponse{}, fmt.Errorf("%w: fetch profile: %v", ErrUnavailable, err)
	}
	if response.StatusCode() != http.StatusOK {
		return profileResponse{}, fmt.Errorf("%w: fetch profile: status %d", ErrUnavailable, response.StatusCode())
	}
	return profile, nil
}

// DisplayName resolves the public alias for the account. Missing names fall
// back to an empty string without failing admission.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	if c == nil || userID == "" {
		return "", nil
	}
	profile, err := c.profile(ctx, userID)
	if err != nil {
		c.logger.Warn("display name lookup failed",
			logging.String("user_id", userID),
			logging.Error(err))
		return "", err
	}
	return profile.DisplayName, nil
}

// CurrentStatus resolves the account's platform-wide presence state.
func (c *Client) CurrentStatus(ctx context.Context, userID string) (UserStatus, error) {
	if c == nil || userID == "" {
		return StatusOffline, nil
	}
	profile, err := c.profile(ctx, userID)
	if err != nil {
		return StatusOffline, err
	}
	switch status := UserStatus(profile.Status); status {
	case StatusOnline, StatusOffline, StatusInMatch:
		return status, nil
	default:
		return StatusOffline, nil
	}
}

// ParticipantsOf looks up the two accounts scheduled for the tournament match.
func (c *Client) ParticipantsOf(ctx context.Context, matchID string) (Participants, error) {
	if c == nil {
		return Participants{}, fmt.Errorf("%w: client not configured", ErrUnavailable)
	}
	var participants Participants
	response, err := c.rest.R().
		SetContext(ctx).
		SetResult(&participants).
		Get("/internal/tournaments/matches/" + matchID + "/participants")
	if err != nil {
		return Participants{}, fmt.Errorf("%w: fetch participants: %v", ErrUnavailable, err)
	}
	if response.StatusCode() != http.StatusOK {
		return Participants{}, fmt.Errorf("%w: fetch participants: status %d", ErrUnavailable, response.StatusCode())
	}
	return participants, nil
}

// ReportResult posts the terminal score of a tournament-linked match. The
// caller treats this as fire-and-forget; failures are logged, not retried.
func (c *Client) ReportResult(ctx context.Context, matchID, winnerID string, scoreA, scoreB int) error {
	if c == nil {
		return fmt.Errorf("%w: client not configured", ErrUnavailable)
	}
	response, err := c.rest.R().
		SetContext(ctx).
		SetBody(resultReport{MatchID: matchID, WinnerID: winnerID, ScoreA: scoreA, ScoreB: scoreB}).
		Post("/internal/tournaments/matches/" + matchID + "/result")
	if err != nil {
		return fmt.Errorf("%w: report result: %v", ErrUnavailable, err)
	}
	if response.StatusCode() != http.StatusOK && response.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("%w: report result: status %d", ErrUnavailable, response.StatusCode())
	}
	c.logger.Info("tournament result reported",
		logging.String("match_id", matchID),
		logging.String("winner_id", winnerID))
	return nil
}
