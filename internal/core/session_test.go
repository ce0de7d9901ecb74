package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/pkg"
)

func TestSessionStoreCreateGetEnd(t *testing.T) {
	m := NewSessionStore(time.Minute)
	s := m.Create("eli", VariantSOAP)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "Eli", s.Assistant)
	assert.Equal(t, "soap", s.Variant)
	assert.Equal(t, pkg.StateCollecting, s.State)

	snap, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Len(t, snap.Transcript, 1)
	assert.Equal(t, pkg.Turn{Role: pkg.RoleAssistant, Content: Greeting}, snap.Transcript[0])
	assert.Equal(t, 1, m.ActiveCount())

	_, err = m.End(s.ID)
	require.NoError(t, err)
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.End(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, m.ActiveCount())
}

func TestSessionStoreJanitorExpiresInactive(t *testing.T) {
	m := NewSessionStore(30 * time.Millisecond)
	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s pkg.Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})
	s := m.Create("", VariantIntake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunJanitor(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, err := m.Get(s.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	assert.Equal(t, []string{s.ID}, expired)
	mu.Unlock()
}

func TestSessionStoreJanitorSkipsBusySession(t *testing.T) {
	m := NewSessionStore(time.Millisecond)
	s := m.Create("", VariantIntake)
	sess, err := m.lookup(s.ID)
	require.NoError(t, err)
	sess.mu.Lock()
	sess.busy = true
	sess.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	m.expireInactive()

	_, err = m.Get(s.ID)
	assert.NoError(t, err)
}
