package assessment_api_client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mcdev12/liveexam/go/clients"
)

type AssessmentApiClient struct {
	*clients.BaseClient
}

func NewAssessmentApiClient(baseURL, token string) *AssessmentApiClient {
	client := &AssessmentApiClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	if token != "" {
		client.SetToken(token)
	}

	return client
}

// SetToken replaces the bearer token sent with every request
func (c *AssessmentApiClient) SetToken(token string) {
	c.SetHeader(AuthorizationHeader, BearerPrefix+token)
}

// ConflictError is returned by StartSession when an in-progress session already exists
type ConflictError struct {
	Message         string          `json:"message"`
	ExistingSession ExistingSession `json:"existingSession"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session conflict: existing session %s", e.ExistingSession.SessionID)
}

func sessionEndpoint(sessionID, suffix string) string {
	return SessionsEndpoint + "/" + url.PathEscape(sessionID) + suffix
}

// IsStatus reports whether err is an API error with the given status code
func IsStatus(err error, status int) bool {
	var apiErr *clients.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}
