// Package service hosts the generation orchestrator: the state machine that
// sequences credit admission, inference, orientation correction, storage and
// persistence, refunding the spent credits on every post-admission failure.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"wrapserver/internal/domain"
	"wrapserver/internal/inference"
	"wrapserver/internal/steplog"
	"wrapserver/internal/storage"
)

// Pipeline failure classes. The sentinel text doubles as the sanitized
// client-facing message; raw upstream detail stays in logs and the task's
// error_message.
var (
	ErrUpstreamInference = errors.New("generation failed")
	ErrStorageUpload     = errors.New("storage upload failed")
	ErrPersistence       = errors.New("failed to save result")
	ErrInternal          = errors.New("internal error")
)

// TextureBackend is the generative image backend contract.
type TextureBackend interface {
	GenerateTexture(ctx context.Context, req inference.TextureRequest) (*inference.TextureResult, error)
	GenerateMetadata(ctx context.Context, prompt, modelName string) (*domain.WrapMetadata, error)
}

// GenerationConfig carries the orchestrator's tunables.
type GenerationConfig struct {
	CreditCost        int
	MaxReferences     int
	MaxReferenceBytes int
	// StrictReferences aborts the task when any reference upload fails.
	// Default is to proceed with fewer references.
	StrictReferences bool
	// ReferenceHosts is the allowlist for http(s) reference URLs.
	ReferenceHosts []string
	MaskBaseURL    string
}

// GenerationService orchestrates one task end to end.
type GenerationService struct {
	ledger  domain.CreditLedger
	tasks   domain.TaskRepository
	wraps   domain.WrapRepository
	store   storage.Store
	backend TextureBackend
	fetcher AssetFetcher
	steps   *steplog.Logger
	log     zerolog.Logger
	cfg     GenerationConfig
	now     func() time.Time
}

func NewGenerationService(
	ledger domain.CreditLedger,
	tasks domain.TaskRepository,
	wraps domain.WrapRepository,
	store storage.Store,
	backend TextureBackend,
	fetcher AssetFetcher,
	steps *steplog.Logger,
	log zerolog.Logger,
	cfg GenerationConfig,
) *GenerationService {
	if cfg.CreditCost <= 0 {
		cfg.CreditCost = 10
	}
	if cfg.MaxReferences <= 0 {
		cfg.MaxReferences = 3
	}
	if cfg.MaxReferenceBytes <= 0 {
		cfg.MaxReferenceBytes = 1536 * 1024
	}
	return &GenerationService{
		ledger:  ledger,
		tasks:   tasks,
		wraps:   wraps,
		store:   store,
		backend: backend,
		fetcher: fetcher,
		steps:   steps,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// GenerateRequest is one admission attempt.
type GenerateRequest struct {
	UserID          string
	ModelSlug       string
	Prompt          string
	ReferenceImages []string
	IdempotencyKey  string
}

// GenerateResult is returned to the admission caller.
type GenerateResult struct {
	TaskID           string
	WrapID           string
	Wrap             *domain.Wrap
	RemainingBalance int
	Replay           bool
	// Pending marks an idempotent replay whose task has not finished yet;
	// the caller should poll the status endpoint.
	Pending bool
}

type reference struct {
	data []byte
	url  string
}

// Generate runs the full pipeline. Any error after admission is paired with
// exactly one refund attempt before it is returned.
func (s *GenerationService) Generate(ctx context.Context, req GenerateRequest) (result *GenerateResult, err error) {
	model, refs, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	admit, err := s.ledger.Admit(ctx, req.UserID, req.Prompt, model.Slug, s.cfg.CreditCost, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	taskID := admit.TaskID

	if admit.Replay {
		return s.replayResult(ctx, req.UserID, admit)
	}

	// From here on every failure must refund. The recover guard covers
	// programming errors in the pipeline itself: refund, then surface a
	// generic internal error.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("task_id", taskID).Msg("generation: pipeline panic")
			s.failTask(ctx, taskID, fmt.Sprintf("pipeline panic: %v", r))
			result, err = nil, ErrInternal
		}
	}()

	s.log.Info().Str("task_id", taskID).Str("model", model.Slug).Str("user_id", req.UserID).Msg("generation: task admitted")

	maskBytes := s.fetchMask(ctx, taskID, model)
	refURLs, refBytes, err := s.uploadReferences(ctx, taskID, refs)
	if err != nil {
		s.failTask(ctx, taskID, err.Error())
		return nil, ErrStorageUpload
	}

	s.steps.Log(ctx, taskID, "ai_call_start", string(domain.TaskStatusProcessing))
	if err := s.tasks.UpdateStatus(ctx, taskID, domain.TaskStatusProcessing, ""); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("generation: mark processing failed")
	}

	texture, err := s.backend.GenerateTexture(ctx, inference.TextureRequest{
		Prompt:      req.Prompt,
		ModelName:   model.NameEN,
		AspectRatio: model.AspectRatio,
		MaskPNG:     maskBytes,
		References:  refBytes,
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("generation: inference failed")
		s.failTask(ctx, taskID, "Upstream error: "+err.Error())
		return nil, ErrUpstreamInference
	}
	s.steps.Log(ctx, taskID, "ai_response_received")

	correction := model.Correction
	key := fmt.Sprintf("wraps/ai-generated/wrap-%s-%d.png", shortID(taskID), s.now().UnixMilli())

	s.steps.Log(ctx, taskID, "storage_upload_start")
	rawURL, err := s.store.Put(ctx, key, texture.Data, texture.MIMEType)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("generation: artifact upload failed")
		s.failTask(ctx, taskID, "Storage upload failed: "+err.Error())
		return nil, ErrStorageUpload
	}
	textureURL := storage.WithTransform(rawURL, correction)
	s.steps.Log(ctx, taskID, "storage_upload_success")

	meta := s.deriveMetadata(ctx, taskID, req.Prompt, model)

	s.steps.Log(ctx, taskID, "database_save_start")
	slugBase := buildSlugBase(meta, req.Prompt, model.Slug)
	wrapSlug, err := ensureUniqueSlug(ctx, s.wraps, slugBase)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("generation: slug lookup failed, using base")
		wrapSlug = slugBase
	}

	wrap, err := s.wraps.Create(ctx, &domain.Wrap{
		TaskID:          taskID,
		UserID:          req.UserID,
		Name:            meta.Name,
		NameEN:          meta.NameEN,
		DescriptionEN:   meta.DescriptionEN,
		Prompt:          req.Prompt,
		ModelSlug:       model.Slug,
		Slug:            wrapSlug,
		TextureURL:      textureURL,
		PreviewURL:      textureURL,
		ReferenceImages: refURLs,
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("generation: persist wrap failed")
		s.steps.Log(ctx, taskID, "database_save_failed", "", err.Error())
		s.failTask(ctx, taskID, "Failed to save result: "+err.Error())
		return nil, ErrPersistence
	}
	s.steps.Log(ctx, taskID, "database_save_success")

	if err := s.tasks.SetCompleted(ctx, taskID, wrap.ID); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("generation: mark completed failed")
	}
	s.steps.Log(ctx, taskID, "completed", string(domain.TaskStatusCompleted))

	return &GenerateResult{
		TaskID:           taskID,
		WrapID:           wrap.ID,
		Wrap:             wrap,
		RemainingBalance: admit.RemainingBalance,
	}, nil
}

// validate rejects malformed requests before any ledger interaction.
func (s *GenerationService) validate(req GenerateRequest) (domain.VehicleModel, []reference, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return domain.VehicleModel{}, nil, domain.ErrEmptyPrompt
	}
	model, ok := domain.ModelBySlug(req.ModelSlug)
	if !ok {
		return domain.VehicleModel{}, nil, domain.ErrInvalidModel
	}
	if len(req.ReferenceImages) > s.cfg.MaxReferences {
		return domain.VehicleModel{}, nil, domain.ErrTooManyReferences
	}
	refs := make([]reference, 0, len(req.ReferenceImages))
	for _, raw := range req.ReferenceImages {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			if !s.referenceURLAllowed(raw) {
				return domain.VehicleModel{}, nil, domain.ErrInvalidReferenceURL
			}
			refs = append(refs, reference{url: raw})
			continue
		}
		data, err := decodeReferencePayload(raw)
		if err != nil {
			return domain.VehicleModel{}, nil, domain.ErrInvalidReferenceURL
		}
		if len(data) > s.cfg.MaxReferenceBytes {
			return domain.VehicleModel{}, nil, domain.ErrReferenceTooLarge
		}
		refs = append(refs, reference{data: data})
	}
	return model, refs, nil
}

// referenceURLAllowed accepts only previously uploaded reference objects on
// known hosts.
func (s *GenerationService) referenceURLAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !strings.Contains(u.Path, "wraps/reference/") {
		return false
	}
	for _, host := range s.cfg.ReferenceHosts {
		if strings.EqualFold(u.Hostname(), host) {
			return true
		}
	}
	return false
}

func decodeReferencePayload(raw string) ([]byte, error) {
	if idx := strings.Index(raw, ";base64,"); strings.HasPrefix(raw, "data:") && idx > 0 {
		raw = raw[idx+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(raw)
}

// fetchMask loads the model's UV mask. Best-effort: generation proceeds
// without a mask when the asset is unreachable, matching the conditioning
// being optional at the backend.
func (s *GenerationService) fetchMask(ctx context.Context, taskID string, model domain.VehicleModel) []byte {
	maskURL := strings.TrimRight(s.cfg.MaskBaseURL, "/") + "/" + model.MaskPath
	data, err := s.fetcher.Fetch(ctx, maskURL)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Str("mask_url", maskURL).Msg("generation: mask fetch failed")
		s.steps.Log(ctx, taskID, "mask_fetch_failed", "", err.Error())
		return nil
	}
	return data
}

// uploadReferences stores the user's reference images and returns their
// durable URLs plus raw bytes for the inference call. A failed upload is
// skipped unless StrictReferences is set.
func (s *GenerationService) uploadReferences(ctx context.Context, taskID string, refs []reference) ([]string, [][]byte, error) {
	var urls []string
	var payloads [][]byte
	for i, ref := range refs {
		data := ref.data
		if data == nil {
			fetched, err := s.fetcher.Fetch(ctx, ref.url)
			if err != nil {
				s.log.Warn().Err(err).Str("task_id", taskID).Int("ref", i).Msg("generation: reference fetch failed")
				if s.cfg.StrictReferences {
					return nil, nil, fmt.Errorf("reference %d fetch failed: %w", i, err)
				}
				continue
			}
			data = fetched
			// Already durable; no re-upload needed.
			urls = append(urls, ref.url)
			payloads = append(payloads, data)
			continue
		}
		key := fmt.Sprintf("wraps/reference/%s-ref-%d.png", taskID, i)
		refURL, err := s.store.Put(ctx, key, data, "image/png")
		if err != nil {
			s.log.Warn().Err(err).Str("task_id", taskID).Int("ref", i).Msg("generation: reference upload failed")
			s.steps.Log(ctx, taskID, "reference_upload_failed", "", err.Error())
			if s.cfg.StrictReferences {
				return nil, nil, fmt.Errorf("reference %d upload failed: %w", i, err)
			}
			// Keep the bytes for inference even when the durable copy
			// is missing.
			payloads = append(payloads, data)
			continue
		}
		urls = append(urls, refURL)
		payloads = append(payloads, data)
	}
	return urls, payloads, nil
}

// deriveMetadata asks the backend for bilingual display metadata, falling
// back to a prompt-derived name. Never fails the task.
func (s *GenerationService) deriveMetadata(ctx context.Context, taskID, prompt string, model domain.VehicleModel) *domain.WrapMetadata {
	meta, err := s.backend.GenerateMetadata(ctx, prompt, model.NameEN)
	if err == nil && meta != nil {
		if meta.Name == "" {
			meta.Name = meta.NameEN
		}
		return meta
	}
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("generation: metadata fallback")
		s.steps.Log(ctx, taskID, "metadata_fallback", "", err.Error())
	}
	name := cases.Title(language.English).String(truncateWords(prompt, 6))
	return &domain.WrapMetadata{Name: name, NameEN: name}
}

// failTask marks the task failed and attempts exactly one refund. The
// refund's own failure is logged, never propagated, so it cannot replace the
// original pipeline error.
func (s *GenerationService) failTask(ctx context.Context, taskID, reason string) {
	if err := s.tasks.UpdateStatus(ctx, taskID, domain.TaskStatusFailed, reason); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("generation: mark failed errored")
	}
	s.steps.Log(ctx, taskID, "failed", string(domain.TaskStatusFailed), reason)
	refund, err := s.ledger.Refund(ctx, taskID, reason)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("generation: refund attempt failed")
		return
	}
	if refund.AlreadyRefunded {
		s.log.Info().Str("task_id", taskID).Msg("generation: refund already applied")
		return
	}
	s.log.Info().Str("task_id", taskID).Int("credits", refund.RefundedAmount).Msg("generation: credits refunded")
}

// replayResult resolves an idempotent replay: return the finished wrap when
// one exists, otherwise tell the caller to poll.
func (s *GenerationService) replayResult(ctx context.Context, userID string, admit *domain.AdmitResult) (*GenerateResult, error) {
	wrap, err := s.wraps.GetByTaskID(ctx, admit.TaskID, userID)
	if err == nil && wrap.TextureURL != "" {
		return &GenerateResult{
			TaskID:           admit.TaskID,
			WrapID:           wrap.ID,
			Wrap:             wrap,
			RemainingBalance: admit.RemainingBalance,
			Replay:           true,
		}, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Warn().Err(err).Str("task_id", admit.TaskID).Msg("generation: replay wrap lookup failed")
	}
	return &GenerateResult{
		TaskID:           admit.TaskID,
		RemainingBalance: admit.RemainingBalance,
		Replay:           true,
		Pending:          true,
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
