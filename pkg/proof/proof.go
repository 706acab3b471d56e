// Package proof implements the daily-proof upload pipeline. A submission
// that cannot reach the backend is never discarded: the image is copied
// into app-local storage and indexed as a PendingProof, and only a
// confirmed remote success deletes either.
package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
	"github.com/getlockinnn/proven-sync/pkg/netmon"
	"github.com/getlockinnn/proven-sync/pkg/orchestrator"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

const (
	recordPrefix = "proven_pending_proof.v1:"

	// DefaultSubmitEndpoint is the domain endpoint recording a proof
	// against a user challenge.
	DefaultSubmitEndpoint = "/api/proofs"
)

var nopLogger = zap.NewNop()

// Status of a PendingProof record.
const (
	StatusPending   = "pending"
	StatusUploading = "uploading"
	StatusFailed    = "failed"
)

// PendingProof is the durable record of a not-yet-uploaded submission.
// At most one live record exists per user challenge; newer submissions
// supersede older ones.
type PendingProof struct {
	UserChallengeID string `json:"userChallengeId"`
	ChallengeID     string `json:"challengeId,omitempty"`
	LocalImageURI   string `json:"localImageUri"`
	ContentType     string `json:"contentType,omitempty"`
	Description     string `json:"description,omitempty"`
	Timestamp       int64  `json:"timestamp"` // unix milli
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// Submission is one user-authored proof.
type Submission struct {
	UserChallengeID string
	ChallengeID     string // resolved remotely when empty
	ImagePath       string
	ContentType     string
	Description     string
}

// Result is the caller-visible outcome of Submit.
type Result struct {
	Success          bool
	Pending          bool
	AlreadySubmitted bool
	Message          string
}

// RetryResult accumulates a RetryAll sweep.
type RetryResult struct {
	Success int
	Failed  int
}

// Target is where an image should be transferred, and the storage path the
// backend will see it under.
type Target struct {
	UploadURL     string
	ResultingPath string
}

// TargetProvider resolves an upload destination for a resource.
type TargetProvider interface {
	UploadTarget(ctx context.Context, resourceID, contentType string) (Target, error)
}

// Uploader transfers image bytes to a Target. Implementations return
// *transport.NetworkError for transport-level failures so the pipeline can
// fall back to local persistence.
type Uploader interface {
	Upload(ctx context.Context, url, contentType string, body []byte) error
}

type Opts struct {
	// Store cannot be nil; it holds the pending-proof index.
	Store kvstore.Store

	// Orchestrator cannot be nil; domain calls go through it.
	Orchestrator *orchestrator.Orchestrator

	// Targets cannot be nil.
	Targets TargetProvider

	// Uploader transfers image bytes. Defaults to an HTTP PUT uploader.
	Uploader Uploader

	// Monitor supplies the offline belief. Optional (assumed online).
	Monitor *netmon.Monitor

	// Dir is where offline-submitted images are copied. Cannot be empty.
	Dir string

	// SubmitEndpoint defaults to DefaultSubmitEndpoint.
	SubmitEndpoint string

	// Logger is optional.
	Logger *zap.Logger

	// TimeNow is the clock. Defaults to time.Now.
	TimeNow func() time.Time
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Orchestrator == nil {
		return errors.New("nil orchestrator")
	}
	if opts.Targets == nil {
		return errors.New("nil target provider")
	}
	if len(opts.Dir) == 0 {
		return errors.New("empty proof dir")
	}
	if opts.Uploader == nil {
		opts.Uploader = &HTTPUploader{}
	}
	if len(opts.SubmitEndpoint) == 0 {
		opts.SubmitEndpoint = DefaultSubmitEndpoint
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	return nil
}

type Pipeline struct {
	opts Opts

	// mu serializes record read-modify-write and file bookkeeping.
	mu sync.Mutex
}

func NewPipeline(opts Opts) (*Pipeline, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create proof dir, %w", err)
	}
	return &Pipeline{opts: opts}, nil
}

func (p *Pipeline) online() bool {
	return p.opts.Monitor == nil || p.opts.Monitor.Online()
}

// Submit uploads a proof, or persists it locally when that is impossible.
// Offline: the image is copied (never moved) into the proof dir and one
// PendingProof per user challenge is recorded, superseding any earlier one.
// Online: a transport-level failure at any step falls back to the same
// offline-persist path; only domain rejections surface as errors.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Result, error) {
	if len(sub.UserChallengeID) == 0 {
		return Result{}, errors.New("empty user challenge id")
	}
	if len(sub.ImagePath) == 0 {
		return Result{}, errors.New("empty image path")
	}

	if !p.online() {
		return p.persistLocal(ctx, sub)
	}

	p.setStatus(ctx, sub.UserChallengeID, StatusUploading, "")

	res, err := p.submitOnline(ctx, sub)
	if err == nil {
		return res, nil
	}
	if transport.IsNetworkError(err) || errors.Is(err, orchestrator.ErrOfflineQueued) {
		p.opts.Logger.Info("proof upload fell back to local persistence",
			zap.String("user_challenge", sub.UserChallengeID), zap.Error(err))
		return p.persistLocal(ctx, sub)
	}

	// Domain/validation rejection: keep any existing record visible as
	// failed, but do not create one for a fresh submission.
	p.setStatus(ctx, sub.UserChallengeID, StatusFailed, err.Error())
	return Result{Message: err.Error()}, err
}

type submitBody struct {
	UserChallengeID string `json:"userChallengeId"`
	ChallengeID     string `json:"challengeId,omitempty"`
	FilePath        string `json:"filePath"`
	Description     string `json:"description,omitempty"`
}

type userChallenge struct {
	ID          string `json:"id"`
	ChallengeID string `json:"challengeId"`
}

func (p *Pipeline) submitOnline(ctx context.Context, sub Submission) (Result, error) {
	// Resolve the parent challenge when the caller only knows the
	// participation id.
	if len(sub.ChallengeID) == 0 {
		var uc userChallenge
		err := p.opts.Orchestrator.Get(ctx, "/api/user-challenges/"+sub.UserChallengeID, &uc, &orchestrator.GetOpts{
			CacheType:    "user_challenge",
			CacheID:      sub.UserChallengeID,
			RequiresAuth: true,
		})
		if err != nil {
			return Result{}, err
		}
		sub.ChallengeID = uc.ChallengeID
	}

	target, err := p.opts.Targets.UploadTarget(ctx, sub.UserChallengeID, sub.ContentType)
	if err != nil {
		return Result{}, err
	}

	img, err := os.ReadFile(sub.ImagePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read image, %w", err)
	}
	if err := p.opts.Uploader.Upload(ctx, target.UploadURL, sub.ContentType, img); err != nil {
		return Result{}, err
	}

	err = p.opts.Orchestrator.Post(ctx, p.opts.SubmitEndpoint, submitBody{
		UserChallengeID: sub.UserChallengeID,
		ChallengeID:     sub.ChallengeID,
		FilePath:        target.ResultingPath,
		Description:     sub.Description,
	}, nil, &orchestrator.MutateOpts{RequiresAuth: true})
	if err != nil {
		if alreadySubmitted(err) {
			// The backend already holds today's proof. Terminal
			// success from the user's point of view.
			p.cleanup(ctx, sub.UserChallengeID)
			return Result{Success: true, AlreadySubmitted: true, Message: "proof already submitted"}, nil
		}
		return Result{}, err
	}

	p.cleanup(ctx, sub.UserChallengeID)
	return Result{Success: true}, nil
}

// alreadySubmitted detects the idempotent duplicate-proof response.
func alreadySubmitted(err error) bool {
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Status == http.StatusConflict {
		return true
	}
	var body struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(se.Body, &body) == nil && body.Code == "ALREADY_SUBMITTED" {
		return true
	}
	return false
}

// persistLocal copies the image into the proof dir and records one
// PendingProof for the user challenge, superseding an earlier record (and
// its file) for the same key.
func (p *Pipeline) persistLocal(ctx context.Context, sub Submission) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, hasPrev := p.loadRecord(ctx, sub.UserChallengeID)

	local := sub.ImagePath
	if !p.ownsFile(local) {
		copied, err := p.copyImage(sub)
		if err != nil {
			return Result{}, err
		}
		local = copied
	}

	rec := PendingProof{
		UserChallengeID: sub.UserChallengeID,
		ChallengeID:     sub.ChallengeID,
		LocalImageURI:   local,
		ContentType:     sub.ContentType,
		Description:     sub.Description,
		Timestamp:       p.opts.TimeNow().UnixMilli(),
		Status:          StatusPending,
	}
	if err := p.saveRecord(ctx, rec); err != nil {
		// Keep the copy only if the record made it to disk; a file
		// without an index entry would leak.
		if local != sub.ImagePath {
			_ = os.Remove(local)
		}
		return Result{}, err
	}

	if hasPrev && prev.LocalImageURI != local && p.ownsFile(prev.LocalImageURI) {
		_ = os.Remove(prev.LocalImageURI)
	}

	p.opts.Logger.Info("proof persisted for later sync",
		zap.String("user_challenge", sub.UserChallengeID), zap.String("file", local))
	return Result{Pending: true, Message: "saved, will sync when online"}, nil
}

// copyImage copies (never moves) the source into the proof dir via a temp
// file and rename, so the original can be deleted the moment Submit
// returns.
func (p *Pipeline) copyImage(sub Submission) (string, error) {
	src, err := os.ReadFile(sub.ImagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read source image, %w", err)
	}
	name := fmt.Sprintf("%s-%d%s", sub.UserChallengeID, p.opts.TimeNow().UnixMilli(), filepath.Ext(sub.ImagePath))
	dst := filepath.Join(p.opts.Dir, name)

	tmp, err := os.CreateTemp(p.opts.Dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file, %w", err)
	}
	if _, err := tmp.Write(src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write image copy, %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close image copy, %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to place image copy, %w", err)
	}
	return dst, nil
}

// ownsFile reports whether path lives inside the proof dir.
func (p *Pipeline) ownsFile(path string) bool {
	rel, err := filepath.Rel(p.opts.Dir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// RetryAll re-submits every pending record. Records whose local file no
// longer exists are dropped without retry. A file is never deleted before
// a confirmed remote success.
func (p *Pipeline) RetryAll(ctx context.Context) RetryResult {
	var res RetryResult
	for _, rec := range p.GetAllPending(ctx) {
		if _, err := os.Stat(rec.LocalImageURI); errors.Is(err, fs.ErrNotExist) {
			p.opts.Logger.Warn("dropping pending proof with missing file",
				zap.String("user_challenge", rec.UserChallengeID), zap.String("file", rec.LocalImageURI))
			p.removeRecord(ctx, rec.UserChallengeID)
			res.Failed++
			continue
		}

		r, err := p.Submit(ctx, Submission{
			UserChallengeID: rec.UserChallengeID,
			ChallengeID:     rec.ChallengeID,
			ImagePath:       rec.LocalImageURI,
			ContentType:     rec.ContentType,
			Description:     rec.Description,
		})
		if err == nil && (r.Success || r.AlreadySubmitted) {
			res.Success++
		} else {
			res.Failed++
		}
	}
	return res
}

// GetAllPending returns every pending-proof record, oldest first.
func (p *Pipeline) GetAllPending(ctx context.Context) []PendingProof {
	keys, err := p.opts.Store.ListKeys(ctx)
	if err != nil {
		p.opts.Logger.Warn("failed to list pending proofs", zap.Error(err))
		return nil
	}
	var out []PendingProof
	for _, key := range keys {
		if !strings.HasPrefix(key, recordPrefix) {
			continue
		}
		rec, ok := p.loadRecord(ctx, strings.TrimPrefix(key, recordPrefix))
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// PendingCount returns the number of live pending-proof records.
func (p *Pipeline) PendingCount(ctx context.Context) int {
	return len(p.GetAllPending(ctx))
}

// cleanup removes the record and its persisted file after a confirmed
// remote success.
func (p *Pipeline) cleanup(ctx context.Context, userChallengeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.loadRecord(ctx, userChallengeID)
	if !ok {
		return
	}
	if p.ownsFile(rec.LocalImageURI) {
		if err := os.Remove(rec.LocalImageURI); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.opts.Logger.Warn("failed to remove uploaded proof file",
				zap.String("file", rec.LocalImageURI), zap.Error(err))
		}
	}
	p.removeRecordLocked(ctx, userChallengeID)
}

// setStatus updates the status of an existing record; absent records are
// left absent.
func (p *Pipeline) setStatus(ctx context.Context, userChallengeID, status, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.loadRecord(ctx, userChallengeID)
	if !ok {
		return
	}
	rec.Status = status
	rec.Error = errMsg
	if err := p.saveRecord(ctx, rec); err != nil {
		p.opts.Logger.Warn("failed to update proof status", zap.Error(err))
	}
}

func (p *Pipeline) loadRecord(ctx context.Context, userChallengeID string) (PendingProof, bool) {
	raw, err := p.opts.Store.Get(ctx, recordPrefix+userChallengeID)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			p.opts.Logger.Warn("failed to read pending proof", zap.Error(err))
		}
		return PendingProof{}, false
	}
	var rec PendingProof
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		p.opts.Logger.Warn("corrupt pending proof record", zap.String("user_challenge", userChallengeID), zap.Error(err))
		return PendingProof{}, false
	}
	return rec, true
}

func (p *Pipeline) saveRecord(ctx context.Context, rec PendingProof) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal pending proof, %w", err)
	}
	if err := p.opts.Store.Set(ctx, recordPrefix+rec.UserChallengeID, string(raw)); err != nil {
		return fmt.Errorf("failed to persist pending proof, %w", err)
	}
	return nil
}

func (p *Pipeline) removeRecord(ctx context.Context, userChallengeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeRecordLocked(ctx, userChallengeID)
}

func (p *Pipeline) removeRecordLocked(ctx context.Context, userChallengeID string) {
	if err := p.opts.Store.Remove(ctx, recordPrefix+userChallengeID); err != nil {
		p.opts.Logger.Warn("failed to remove pending proof", zap.Error(err))
	}
}
