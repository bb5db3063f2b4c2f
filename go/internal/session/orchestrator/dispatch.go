package orchestrator

import (
	"github.com/rs/zerolog/log"

	api "github.com/mcdev12/liveexam/go/clients/assessment_api_client"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

type responseAction int

const (
	actionAdvance responseAction = iota
	actionSectionTransition
	actionReviewStart
	actionReviewNext
	actionComplete
	actionCompleteWithError
)

// responseKinds maps every discriminator the server sends, including aliases, to its effect
var responseKinds = map[string]responseAction{
	"next_question":               actionAdvance,
	"advance_to_next_question":    actionAdvance,
	"section_transition":          actionSectionTransition,
	"advance_to_next_section":     actionSectionTransition,
	"review_phase_started":        actionReviewStart,
	"start_review_phase":          actionReviewStart,
	"next_review_question":        actionReviewNext,
	"advance_in_review":           actionReviewNext,
	"test_completed_confirmation": actionComplete,
	"test_completion":             actionComplete,
	"test_completed_with_error":   actionCompleteWithError,
}

// dispatchLocked applies a submit or skip response to the state and returns the work to
// do once o.mu is released
func (o *Orchestrator) dispatchLocked(resp *api.ActionResponse) ([]func(), error) {
	kind := resp.Kind()
	action, known := responseKinds[kind]
	if !known {
		if !resp.HasState() {
			err := &UnrecognizedResponseError{Kind: kind}
			o.state.Error = err.Error()
			log.Error().Str("kind", kind).Msg("unrecognized server response without question data")
			return []func(){func() { o.notifier.Notify(LevelError, err.Error()) }}, err
		}
		log.Warn().Str("kind", kind).Msg("unrecognized server response, applying question data")
		action = actionAdvance
	}

	sessionID := o.state.SessionID
	requested := o.clock.Now()

	switch action {
	case actionAdvance:
		o.replaceLocked(resp)
		return nil, nil

	case actionSectionTransition:
		o.replaceLocked(resp)
		section := resp.NewSection
		if section == nil && resp.NavigationContext != nil {
			section = resp.NavigationContext.CurrentSection
		}
		if section == nil {
			return nil, nil
		}
		s := *section
		message := resp.Message
		if message == "" {
			message = "Moving to section: " + s.Name
		}
		log.Info().Str("session_id", sessionID).Int("section_index", s.Index).Str("section_name", s.Name).Msg("section transition")
		return []func(){
			func() { o.seedSection(s, requested) },
			func() { o.notifier.Notify(LevelInfo, message) },
			func() {
				o.publish(telemetry.EventSectionChanged, sessionID, timer.SectionContext{Index: s.Index, Name: s.Name})
			},
		}, nil

	case actionReviewStart:
		o.replaceLocked(resp)
		o.state.Mode = ModeReview
		message := resp.Message
		if message == "" {
			message = "Reviewing skipped questions"
		}
		return []func(){func() { o.notifier.Notify(LevelInfo, message) }}, nil

	case actionReviewNext:
		o.replaceLocked(resp)
		o.state.Mode = ModeReview
		return nil, nil

	case actionComplete:
		followups := o.completeLocked(completion{mode: ModeCompleted, score: resp.FinalScore, message: messageOr(resp.Message, "Test completed")})
		return append(followups, o.completedEvent(sessionID, "")), nil

	case actionCompleteWithError:
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = messageOr(resp.Message, "Test completed with errors")
		}
		followups := o.completeLocked(completion{mode: ModeCompleted, score: resp.FinalScore, message: resp.Message, err: errMsg})
		return append(followups, o.completedEvent(sessionID, errMsg)), nil
	}
	return nil, nil
}

// replaceLocked installs the question and navigation carried by resp and restarts the
// dwell clock. The answer draft belonged to the previous question.
func (o *Orchestrator) replaceLocked(resp *api.ActionResponse) {
	if resp.QuestionState != nil {
		o.state.Question = resp.QuestionState
	}
	if resp.NavigationContext != nil {
		o.state.Navigation = resp.NavigationContext
	}
	if resp.SessionInfo != nil {
		o.state.Info = resp.SessionInfo
	}
	if resp.Message != "" {
		o.state.Message = resp.Message
	}
	o.state.AnswerDraft = nil
	o.state.QuestionShownAt = o.clock.Now()
}

func (o *Orchestrator) completedEvent(sessionID, errMsg string) func() {
	return func() {
		o.publish(telemetry.EventTestCompleted, sessionID, map[string]interface{}{"error": errMsg})
	}
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}
