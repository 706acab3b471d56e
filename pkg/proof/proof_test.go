package proof

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlockinnn/proven-sync/pkg/kvstore/mem_store"
	"github.com/getlockinnn/proven-sync/pkg/netmon"
	"github.com/getlockinnn/proven-sync/pkg/orchestrator"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

type fakeTargets struct{}

func (fakeTargets) UploadTarget(_ context.Context, resourceID, _ string) (Target, error) {
	return Target{
		UploadURL:     "https://bucket.test/upload/" + resourceID,
		ResultingPath: "proofs/" + resourceID + ".jpg",
	}, nil
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (u *fakeUploader) Upload(_ context.Context, url, _ string, body []byte) error {
	if u.err != nil {
		return u.err
	}
	u.mu.Lock()
	u.uploads = append(u.uploads, url)
	u.mu.Unlock()
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []transport.Request

	respond func(req transport.Request) (*transport.Response, error)
}

func (t *fakeTransport) Do(_ context.Context, req transport.Request) (*transport.Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	if t.respond == nil {
		return &transport.Response{Status: 200, Body: []byte(`{}`)}, nil
	}
	return t.respond(req)
}

type offlineProbe struct{}

func (offlineProbe) IsOnline(context.Context) bool { return false }

type env struct {
	dir      string
	store    *mem_store.MemStore
	tr       *fakeTransport
	uploader *fakeUploader
	monitor  *netmon.Monitor
	pipe     *Pipeline
}

func newEnv(t *testing.T, offline bool) *env {
	t.Helper()
	e := &env{
		dir:      t.TempDir(),
		store:    mem_store.NewMemStore(),
		tr:       &fakeTransport{},
		uploader: &fakeUploader{},
	}

	var probe netmon.Probe = netmon.AlwaysOnline{}
	if offline {
		probe = offlineProbe{}
	}
	e.monitor = netmon.NewMonitor(probe, nil)

	orch, err := orchestrator.NewOrchestrator(orchestrator.Opts{
		Transport: e.tr,
		Monitor:   e.monitor,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	e.pipe, err = NewPipeline(Opts{
		Store:        e.store,
		Orchestrator: orch,
		Targets:      fakeTargets{},
		Uploader:     e.uploader,
		Monitor:      e.monitor,
		Dir:          filepath.Join(e.dir, "proofs"),
	})
	require.NoError(t, err)
	return e
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o644))
	return path
}

func TestOfflineSubmitPersistsCopy(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	src := writeImage(t, e.dir, "shot.jpg")

	res, err := e.pipe.Submit(ctx, Submission{
		UserChallengeID: "uc1",
		ImagePath:       src,
		ContentType:     "image/jpeg",
	})
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.False(t, res.Success)

	pending := e.pipe.GetAllPending(ctx)
	require.Len(t, pending, 1)
	rec := pending[0]
	require.Equal(t, "uc1", rec.UserChallengeID)
	require.Equal(t, StatusPending, rec.Status)

	// The image was copied, not moved: deleting the source must not
	// break the record.
	require.NotEqual(t, src, rec.LocalImageURI)
	require.NoError(t, os.Remove(src))
	copied, err := os.ReadFile(rec.LocalImageURI)
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg bytes"), copied)
}

func TestResubmitSupersedes(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	_, err := e.pipe.Submit(ctx, Submission{UserChallengeID: "uc1", ImagePath: writeImage(t, e.dir, "one.jpg")})
	require.NoError(t, err)
	first := e.pipe.GetAllPending(ctx)[0].LocalImageURI

	_, err = e.pipe.Submit(ctx, Submission{UserChallengeID: "uc1", ImagePath: writeImage(t, e.dir, "two.jpg")})
	require.NoError(t, err)

	pending := e.pipe.GetAllPending(ctx)
	require.Len(t, pending, 1)
	require.NotEqual(t, first, pending[0].LocalImageURI)

	// The superseded copy is gone.
	_, err = os.Stat(first)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOnlineSubmitUploadsAndRecords(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	src := writeImage(t, e.dir, "shot.jpg")

	res, err := e.pipe.Submit(ctx, Submission{
		UserChallengeID: "uc1",
		ChallengeID:     "c9",
		ImagePath:       src,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []string{"https://bucket.test/upload/uc1"}, e.uploader.uploads)

	// One domain call recording the proof, carrying the storage path.
	require.Len(t, e.tr.calls, 1)
	call := e.tr.calls[0]
	require.Equal(t, DefaultSubmitEndpoint, call.Endpoint)
	body, ok := call.Body.(submitBody)
	require.True(t, ok)
	require.Equal(t, "proofs/uc1.jpg", body.FilePath)
	require.Equal(t, "c9", body.ChallengeID)

	// Nothing left pending, and the caller's file is untouched.
	require.Equal(t, 0, e.pipe.PendingCount(ctx))
	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestOnlineSubmitResolvesChallenge(t *testing.T) {
	e := newEnv(t, false)
	e.tr.respond = func(req transport.Request) (*transport.Response, error) {
		if req.Method == "GET" {
			return &transport.Response{Status: 200, Body: []byte(`{"id":"uc1","challengeId":"c42"}`)}, nil
		}
		return &transport.Response{Status: 200}, nil
	}
	ctx := context.Background()

	res, err := e.pipe.Submit(ctx, Submission{
		UserChallengeID: "uc1",
		ImagePath:       writeImage(t, e.dir, "shot.jpg"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	last := e.tr.calls[len(e.tr.calls)-1]
	body, ok := last.Body.(submitBody)
	require.True(t, ok)
	require.Equal(t, "c42", body.ChallengeID)
}

func TestUploadFailureFallsBackToLocal(t *testing.T) {
	e := newEnv(t, false)
	e.uploader.err = &transport.NetworkError{IsOffline: true, Err: errors.New("no route")}
	ctx := context.Background()

	res, err := e.pipe.Submit(ctx, Submission{
		UserChallengeID: "uc1",
		ChallengeID:     "c9",
		ImagePath:       writeImage(t, e.dir, "shot.jpg"),
	})
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Equal(t, 1, e.pipe.PendingCount(ctx))
}

func TestDomainRejectionIsTerminal(t *testing.T) {
	e := newEnv(t, false)
	e.tr.respond = func(transport.Request) (*transport.Response, error) {
		return nil, &transport.StatusError{Status: 422, Body: []byte(`{"code":"INVALID_PROOF"}`)}
	}
	ctx := context.Background()

	_, err := e.pipe.Submit(ctx, Submission{
		UserChallengeID: "uc1",
		ChallengeID:     "c9",
		ImagePath:       writeImage(t, e.dir, "shot.jpg"),
	})
	require.Error(t, err)
	// No local record is fabricated for a rejected fresh submission.
	require.Equal(t, 0, e.pipe.PendingCount(ctx))
}

func TestAlreadySubmittedIsSuccess(t *testing.T) {
	e := newEnv(t, false)
	e.tr.respond = func(transport.Request) (*transport.Response, error) {
		return nil, &transport.StatusError{Status: 409, Body: []byte(`{"code":"ALREADY_SUBMITTED"}`)}
	}
	ctx := context.Background()

	res, err := e.pipe.Submit(ctx, Submission{
		UserChallengeID: "uc1",
		ChallengeID:     "c9",
		ImagePath:       writeImage(t, e.dir, "shot.jpg"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.AlreadySubmitted)
}

func TestRetryAllUploadsAndCleansUp(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	_, err := e.pipe.Submit(ctx, Submission{UserChallengeID: "uc1", ChallengeID: "c9", ImagePath: writeImage(t, e.dir, "shot.jpg")})
	require.NoError(t, err)
	copied := e.pipe.GetAllPending(ctx)[0].LocalImageURI

	e.monitor.SetOnline(true)
	res := e.pipe.RetryAll(ctx)
	require.Equal(t, RetryResult{Success: 1}, res)

	// Confirmed success removes both the record and the copied file.
	require.Equal(t, 0, e.pipe.PendingCount(ctx))
	_, err = os.Stat(copied)
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.Len(t, e.uploader.uploads, 1)
}

func TestRetryAllDropsMissingFiles(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	_, err := e.pipe.Submit(ctx, Submission{UserChallengeID: "uc1", ImagePath: writeImage(t, e.dir, "shot.jpg")})
	require.NoError(t, err)
	require.NoError(t, os.Remove(e.pipe.GetAllPending(ctx)[0].LocalImageURI))

	e.monitor.SetOnline(true)
	res := e.pipe.RetryAll(ctx)
	require.Equal(t, RetryResult{Failed: 1}, res)
	require.Equal(t, 0, e.pipe.PendingCount(ctx))
	require.Empty(t, e.uploader.uploads)
}

func TestRetryAllKeepsRecordWhileStillOffline(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	_, err := e.pipe.Submit(ctx, Submission{UserChallengeID: "uc1", ImagePath: writeImage(t, e.dir, "shot.jpg")})
	require.NoError(t, err)

	res := e.pipe.RetryAll(ctx)
	require.Equal(t, RetryResult{Failed: 1}, res)
	require.Equal(t, 1, e.pipe.PendingCount(ctx))
}
