package assessment_api_client

const (
	// API Endpoints
	SessionsEndpoint     = "/api/test-sessions"
	StartSessionEndpoint = SessionsEndpoint + "/start"
	RejoinSuffix         = "/rejoin"
	AnswerSuffix         = "/answer"
	SkipSuffix           = "/skip"
	SubmitSuffix         = "/submit"
	AbandonSuffix        = "/abandon"
	HealthEndpoint       = "/health"

	// Headers
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
)
