package core

import (
	"context"
	"strings"
	"time"

	clone "github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"

	"healthsync/internal/observability"
	"healthsync/pkg"
)

// ChatService orchestrates the chat between a patient and the assistant:
// it runs one extraction per patient turn and moves the session through its
// collecting and finalized states.
type ChatService struct {
	Extractor  *Extractor
	Sessions   *SessionStore
	MessageCap int
	Metrics    *observability.Metrics
}

// NewChatService wires a chat service. A messageCap of zero disables the cap.
func NewChatService(extractor *Extractor, sessions *SessionStore, messageCap int, metrics *observability.Metrics) *ChatService {
	s := &ChatService{
		Extractor:  extractor,
		Sessions:   sessions,
		MessageCap: messageCap,
		Metrics:    metrics,
	}
	sessions.SetExpireHook(func(expired pkg.Session) {
		log.Info().Str("session_id", expired.ID).Str("state", string(expired.State)).Msg("session expired")
		metrics.SessionEvent("expired", sessions.ActiveCount())
	})
	return s
}

// Start opens a session with the chosen assistant.
func (s *ChatService) Start(assistant string) pkg.CreateSessionResponse {
	info := s.Sessions.Create(assistant, s.Extractor.Variant())
	s.Metrics.SessionEvent("started", s.Sessions.ActiveCount())
	log.Info().Str("session_id", info.ID).Str("assistant", info.Assistant).Msg("session started")
	return pkg.CreateSessionResponse{Session: info, Greeting: Greeting}
}

// Reply handles one patient message. Only one turn per session may be in
// flight; a finalized session accepts no more input.
func (s *ChatService) Reply(ctx context.Context, sessionID, content string) (*pkg.ChatResponse, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	sess, err := s.Sessions.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	switch {
	case sess.info.State == pkg.StateFinalized:
		sess.mu.Unlock()
		return nil, ErrSessionFinalized
	case sess.busy:
		sess.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	sess.touch(s.Sessions.now())
	if s.MessageCap > 0 && sess.conv.Count(pkg.RoleUser) >= s.MessageCap {
		sess.conv.Append(pkg.Turn{Role: pkg.RoleAssistant, Content: CapMessage})
		resp := &pkg.ChatResponse{State: sess.info.State, Reply: CapMessage, Capped: true}
		sess.mu.Unlock()
		log.Info().Str("session_id", sessionID).Int("cap", s.MessageCap).Msg("message cap reached")
		return resp, nil
	}
	sess.busy = true
	assistant := sess.info.Assistant
	sess.mu.Unlock()

	res, err := s.Extractor.ForAssistant(assistant).Extract(ctx, sess.conv, content)
	resp, finalized, err := s.settle(sess, res, err)
	if err != nil {
		return nil, err
	}
	if finalized {
		log.Info().Str("session_id", sessionID).Str("variant", string(s.Extractor.Variant())).Msg("record complete, session finalized")
		s.Metrics.SessionEvent("finalized", s.Sessions.ActiveCount())
	}
	return resp, nil
}

// settle applies an extraction outcome to the session and clears its busy
// flag.
func (s *ChatService) settle(sess *session, res *Result, err error) (*pkg.ChatResponse, bool, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.busy = false
	sess.touch(s.Sessions.now())
	if err != nil {
		return nil, false, err
	}

	resp := &pkg.ChatResponse{Reply: res.Raw, Validation: res.Validation}
	if res.Record != nil {
		sess.record = res.Record
		resp.Record = clone.Clone(res.Record).(map[string]any)
		if info, ok := chartingFrom(res.Record); ok {
			sess.charting = append(sess.charting, info)
		}
		resp.Reply = replyFor(res)
	}
	if res.Complete {
		sess.finalize(s.Sessions.now())
	}
	resp.State = sess.info.State
	if len(sess.charting) > 0 {
		resp.Charting = append([]pkg.ChartingInformation{}, sess.charting...)
	}
	return resp, res.Complete, nil
}

// Finish is the patient's explicit "done": the session is finalized with
// whatever record it has, possibly none.
func (s *ChatService) Finish(sessionID string) (pkg.SessionSnapshot, error) {
	sess, err := s.Sessions.lookup(sessionID)
	if err != nil {
		return pkg.SessionSnapshot{}, err
	}
	sess.mu.Lock()
	if sess.busy {
		sess.mu.Unlock()
		return pkg.SessionSnapshot{}, ErrTurnInProgress
	}
	changed := sess.info.State != pkg.StateFinalized
	if changed {
		now := s.Sessions.now()
		sess.touch(now)
		sess.finalize(now)
	}
	snap := sess.snapshot()
	sess.mu.Unlock()

	if changed {
		log.Info().Str("session_id", sessionID).Bool("has_record", snap.Record != nil).Msg("session finished by patient")
		s.Metrics.SessionEvent("finished", s.Sessions.ActiveCount())
	}
	return snap, nil
}

// Snapshot returns the current state of a session.
func (s *ChatService) Snapshot(sessionID string) (pkg.SessionSnapshot, error) {
	return s.Sessions.Get(sessionID)
}

// End drops a session from memory.
func (s *ChatService) End(sessionID string) (pkg.SessionSnapshot, error) {
	snap, err := s.Sessions.End(sessionID)
	if err != nil {
		return snap, err
	}
	s.Metrics.SessionEvent("ended", s.Sessions.ActiveCount())
	log.Info().Str("session_id", sessionID).Dur("duration", time.Since(snap.StartedAt)).Msg("session ended")
	return snap, nil
}

// replyFor picks the text shown to the patient for a parsed record.
func replyFor(res *Result) string {
	if q, ok := res.Record["next_question"].(string); ok && strings.TrimSpace(q) != "" {
		return q
	}
	if res.Complete {
		return ClosingMessage
	}
	return ContinueMessage
}

func chartingFrom(record map[string]any) (pkg.ChartingInformation, bool) {
	raw, ok := record["charting_information"].(map[string]any)
	if !ok {
		return pkg.ChartingInformation{}, false
	}
	content, _ := raw["content"].(string)
	if strings.TrimSpace(content) == "" {
		return pkg.ChartingInformation{}, false
	}
	kind, _ := raw["type"].(string)
	info := pkg.ChartingInformation{Content: content, Type: pkg.ChartingMessage}
	if pkg.ChartingType(kind) == pkg.ChartingWarning {
		info.Type = pkg.ChartingWarning
	}
	return info, true
}
