package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePartition struct {
	pending   bool
	marks     int
	rollbacks int
	markErr   error
}

func (p *fakePartition) PendingVerify() (bool, error) { return p.pending, nil }

func (p *fakePartition) MarkValid() error {
	if p.markErr != nil {
		return p.markErr
	}
	p.marks++
	p.pending = false
	return nil
}

func (p *fakePartition) Rollback() error {
	p.rollbacks++
	return nil
}

type memSlot struct {
	mu        sync.Mutex
	committed []byte
	aborted   int
}

type memWriter struct {
	slot *memSlot
	buf  bytes.Buffer
}

func (w *memWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }

func (w *memWriter) Commit() error {
	w.slot.mu.Lock()
	defer w.slot.mu.Unlock()
	w.slot.committed = w.buf.Bytes()
	return nil
}

func (w *memWriter) Abort() error {
	w.slot.mu.Lock()
	defer w.slot.mu.Unlock()
	w.slot.aborted++
	return nil
}

func (s *memSlot) Stage() (ImageWriter, error) { return &memWriter{slot: s}, nil }

type fakeFetcher struct {
	image   []byte
	err     error
	release chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, sha256Hex string, slot Slot) error {
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return f.err
	}
	w, err := slot.Stage()
	if err != nil {
		return err
	}
	w.Write(f.image)
	return w.Commit()
}

var sensorhub = Target{
	Manufacturer:    "csi",
	Model:           "sensorhub",
	HardwareVersion: "rev2",
	FirmwareVersion: "1.0.0",
}

func manifestJSON(t *testing.T, override map[string]string) []byte {
	t.Helper()
	sum := sha256.Sum256([]byte("image"))
	m := map[string]string{
		"manufacturer":     "csi",
		"model":            "sensorhub",
		"hardware_version": "rev2",
		"firmware_version": "1.1.0",
		"firmware_file":    "http://updates.local/sensorhub-1.1.0.bin",
		"sha256":           hex.EncodeToString(sum[:]),
		"release_date":     "2024-05-01T00:00:00Z",
	}
	for k, v := range override {
		if v == "" {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func newUpdater(t *testing.T, p *fakePartition, f Fetcher) (*Updater, *memSlot) {
	t.Helper()
	slot := &memSlot{}
	u, err := New(Config{Target: sensorhub, Partition: p, Slot: slot, Fetcher: f})
	require.NoError(t, err)
	return u, slot
}

func TestHandle_AlreadyUpToDate(t *testing.T) {
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{})

	outcome, err := u.Handle(manifestJSON(t, map[string]string{"firmware_version": "1.0.0"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, outcome)
	assert.Equal(t, StateNone, u.State())
	assert.False(t, u.RebootPending())
}

func TestHandle_IdentityMismatch(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]string
	}{
		{"manufacturer", map[string]string{"manufacturer": "X"}},
		{"model", map[string]string{"model": "relaybox"}},
		{"hardware", map[string]string{"hardware_version": "rev3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{})
			outcome, err := u.Handle(manifestJSON(t, tt.override))
			assert.ErrorIs(t, err, ErrIdentityMismatch)
			assert.Equal(t, OutcomeRejected, outcome)
			assert.Equal(t, StateNone, u.State())
		})
	}
}

func TestHandle_Malformed(t *testing.T) {
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{})

	for _, payload := range [][]byte{
		[]byte("not json"),
		manifestJSON(t, map[string]string{"firmware_file": ""}),
		manifestJSON(t, map[string]string{"sha256": ""}),
		manifestJSON(t, map[string]string{"sha256": "abc"}),
		[]byte(`{"manufacturer":1}`),
	} {
		outcome, err := u.Handle(payload)
		assert.ErrorIs(t, err, ErrMalformedManifest, string(payload))
		assert.Equal(t, OutcomeRejected, outcome)
	}
	assert.Equal(t, StateNone, u.State())
}

func TestHandle_MalformedCheckedBeforeIdentity(t *testing.T) {
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{})
	_, err := u.Handle(manifestJSON(t, map[string]string{"manufacturer": "X", "release_date": ""}))
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestHandle_TransferSuccess(t *testing.T) {
	u, slot := newUpdater(t, &fakePartition{}, &fakeFetcher{image: []byte("image")})

	outcome, err := u.Handle(manifestJSON(t, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)

	require.NoError(t, u.Wait())
	assert.Equal(t, StatePendingReboot, u.State())
	assert.True(t, u.RebootPending())
	assert.Equal(t, []byte("image"), slot.committed)

	_, err = u.Handle(manifestJSON(t, map[string]string{"firmware_version": "1.2.0"}))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestHandle_TransferFailure(t *testing.T) {
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{err: errors.New("connection reset")})

	_, err := u.Handle(manifestJSON(t, nil))
	require.NoError(t, err)

	err = u.Wait()
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, StateNone, u.State())
	assert.False(t, u.RebootPending())
}

func TestHandle_TransferFailureKeepsCause(t *testing.T) {
	cause := fmt.Errorf("%w: got 00, expected ff", ErrHashMismatch)
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{err: cause})

	_, err := u.Handle(manifestJSON(t, nil))
	require.NoError(t, err)

	err = u.Wait()
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.ErrorIs(t, u.Err(), ErrHashMismatch)
}

func TestHandle_BusyWhileInProgress(t *testing.T) {
	f := &fakeFetcher{image: []byte("image"), release: make(chan struct{})}
	u, _ := newUpdater(t, &fakePartition{}, f)

	_, err := u.Handle(manifestJSON(t, nil))
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, u.State())

	outcome, err := u.Handle(manifestJSON(t, map[string]string{"firmware_version": "1.2.0"}))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, OutcomeRejected, outcome)

	close(f.release)
	require.NoError(t, u.Wait())
	assert.Equal(t, StatePendingReboot, u.State())
}

func TestConfirm_PendingVerify(t *testing.T) {
	p := &fakePartition{pending: true}
	u, _ := newUpdater(t, p, &fakeFetcher{})
	assert.Equal(t, StatePendingVerify, u.State())

	_, err := u.Handle(manifestJSON(t, nil))
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, u.Confirm())
	assert.Equal(t, StateNone, u.State())
	assert.Equal(t, 1, p.marks)

	require.NoError(t, u.Confirm())
	assert.Equal(t, StateNone, u.State())
	assert.Equal(t, 1, p.marks)
}

func TestConfirm_MarkValidFails(t *testing.T) {
	p := &fakePartition{pending: true, markErr: errors.New("flash busy")}
	u, _ := newUpdater(t, p, &fakeFetcher{})

	assert.Error(t, u.Confirm())
	assert.Equal(t, StatePendingVerify, u.State())
}

func TestRollback(t *testing.T) {
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{})
	assert.Error(t, u.Rollback())

	p := &fakePartition{pending: true}
	u, _ = newUpdater(t, p, &fakeFetcher{})
	require.NoError(t, u.Rollback())
	assert.Equal(t, 1, p.rollbacks)
	assert.True(t, u.RebootPending())
}

func TestInvalidTransitionPanics(t *testing.T) {
	u, _ := newUpdater(t, &fakePartition{}, &fakeFetcher{})
	assert.Panics(t, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.transition(StatePendingReboot)
	})

	assert.True(t, CanTransition(StateNone, StateInProgress))
	assert.True(t, CanTransition(StatePendingVerify, StateNone))
	assert.False(t, CanTransition(StatePendingReboot, StateNone))
	assert.False(t, CanTransition(StateNone, StatePendingVerify))
	assert.Equal(t, "pending_verify", StatePendingVerify.String())
}
