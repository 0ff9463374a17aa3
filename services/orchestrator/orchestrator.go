package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/upb/adgen/models"
	"github.com/upb/adgen/services"
	"github.com/upb/adgen/services/breaker"
	"github.com/upb/adgen/services/cache"
	"github.com/upb/adgen/services/providers"
	"github.com/upb/adgen/services/retry"
	"github.com/upb/adgen/utils"
)

// Orchestrator turns a generation request into content, shielding callers
// from provider failures with caching, circuit breaking, retry and fallback.
// The only errors it returns are validation errors and context errors.
type Orchestrator struct {
	deps   Deps
	config Config
	flight singleflight.Group
	usage  *usageTracker
	logger *zap.Logger
}

// New creates an orchestrator
func New(deps Deps, config Config, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if config.TextTTL <= 0 {
		config.TextTTL = def.TextTTL
	}
	if config.ImageTTL <= 0 {
		config.ImageTTL = def.ImageTTL
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultConfig(), logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		config: config,
		usage:  newUsageTracker(),
		logger: logger,
	}
}

// Generate produces exactly req.VariationCount variations using providerName
func (o *Orchestrator) Generate(ctx context.Context, req models.GenerationRequest, providerName string) (*models.GenerationResult, error) {
	// Step 1: validate request and provider
	provider, err := o.resolve(&req, providerName)
	if err != nil {
		return nil, err
	}
	name := strings.ToLower(provider.Name())
	fp := cache.TextFingerprint(req, name)

	// Step 2: serve from cache
	if cached, ok := o.deps.TextCache.Get(fp); ok {
		o.usage.recordCacheHit(name)
		o.logger.Debug("text cache hit", zap.String("provider", name), zap.String("fingerprint", fp[:12]))
		res := cached.Clone()
		res.FromCache = true
		return res, nil
	}

	// Step 3: coalesce identical misses
	v, err := o.coalesce(ctx, "text:"+fp, func() (interface{}, error) {
		return o.generateText(ctx, req, provider, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.GenerationResult).Clone(), nil
}

// GenerateImage produces one image URL using providerName.
// Any provider or storage failure yields the placeholder image.
func (o *Orchestrator) GenerateImage(ctx context.Context, req models.ImageRequest, providerName string) (*models.ImageResult, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, validationError(err)
	}
	provider, err := o.lookup(providerName)
	if err != nil {
		return nil, err
	}
	name := strings.ToLower(provider.Name())
	fp := cache.ImageFingerprint(req.Prompt, name)

	if cached, ok := o.deps.ImageCache.Get(fp); ok {
		o.usage.recordCacheHit(name)
		res := *cached
		res.FromCache = true
		return &res, nil
	}

	v, err := o.coalesce(ctx, "image:"+fp, func() (interface{}, error) {
		return o.generateImage(ctx, req, provider, fp)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*models.ImageResult)
	return &res, nil
}

// coalesce runs fn once per key across concurrent callers.
// Each caller honours its own ctx; when the leader was cancelled, a caller
// whose ctx is still alive starts a new flight.
func (o *Orchestrator) coalesce(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	for {
		ch := o.flight.DoChan(key, fn)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err == nil {
				return r.Val, nil
			}
			if isContextError(r.Err) && ctx.Err() == nil {
				o.logger.Debug("coalesced call was cancelled by its leader, retrying", zap.String("key", key))
				continue
			}
			return nil, r.Err
		}
	}
}

func (o *Orchestrator) generateText(ctx context.Context, req models.GenerationRequest, provider providers.Provider, fp string) (*models.GenerationResult, error) {
	name := strings.ToLower(provider.Name())
	logger := o.logger.With(zap.String("provider", name))

	// a flight that ended between the caller's lookup and DoChan has already cached the result
	if cached, ok := o.deps.TextCache.Peek(fp); ok {
		o.usage.recordCacheHit(name)
		res := cached.Clone()
		res.FromCache = true
		return res, nil
	}

	// Step 4: unconfigured or incapable providers go straight to fallback
	if !provider.IsAvailable() || !providers.HasCapability(provider, providers.CapabilityText) {
		logger.Info("provider unavailable, serving fallback content",
			zap.Bool("available", provider.IsAvailable()))
		o.usage.recordFallback(name)
		return o.textResult(req, nil, name), nil
	}

	// Step 5: circuit breaker
	permit, err := o.deps.Breakers.Get(name).Allow()
	if err != nil {
		logger.Warn("circuit breaker rejected call, serving fallback content",
			zap.String("error_type", string(services.ErrorTypeBreakerOpen)))
		o.usage.recordFallback(name)
		return o.textResult(req, nil, name), nil
	}

	// Step 6: call with retry, one timeout per attempt
	textReq := &providers.TextRequest{
		Prompt:         req.Prompt,
		VariationCount: req.VariationCount,
		Language:       req.LanguageOrDefault(),
		CallToAction:   req.CallToActionOrDefault(),
		AdLinks:        req.AdLinks,
		MaxTokens:      o.config.MaxTokens,
		Temperature:    o.config.Temperature,
	}
	timeout := o.timeoutFor(name)
	var resp *providers.TextResponse
	var lastLatency time.Duration
	callErr := o.retryFor(name).Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		r, err := provider.GenerateText(attemptCtx, textReq)
		lastLatency = time.Since(start)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	// a cancelled caller abandons the call only when no response came back
	if callErr != nil && ctx.Err() != nil {
		permit.Cancel()
		return nil, ctx.Err()
	}

	// Step 7: parse, then record one outcome for the logical call
	var parsed []models.Variation
	if callErr == nil {
		parsed = providers.ParseVariations(resp.Content, req.VariationCount, name)
	}
	success := callErr == nil && len(parsed) == req.VariationCount
	if success {
		permit.Done(breaker.Success, lastLatency)
	} else {
		permit.Done(breaker.Failure, lastLatency)
	}
	o.usage.recordCall(name, success, lastLatency)

	if callErr != nil {
		domainErr := services.ClassifyProviderError(callErr)
		logger.Warn("provider call failed, serving fallback content",
			zap.String("error_type", string(domainErr.Type)),
			zap.Error(callErr))
	} else if len(parsed) < req.VariationCount {
		logger.Warn("provider returned fewer usable variations than requested",
			zap.Int("requested", req.VariationCount),
			zap.Int("parsed", len(parsed)))
	}

	result := o.textResult(req, parsed, name)
	if result.FallbackCount > 0 {
		o.usage.recordFallback(name)
	}

	// Step 8: cache anything with genuine content
	if len(parsed) > 0 {
		o.deps.TextCache.Put(fp, name, result.Clone(), o.config.TextTTL)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// textResult appends fallback variations to the genuine ones
func (o *Orchestrator) textResult(req models.GenerationRequest, genuine []models.Variation, provider string) *models.GenerationResult {
	cta := req.CallToActionOrDefault()
	variations := make([]models.Variation, 0, req.VariationCount)
	for _, v := range genuine {
		if v.CallToAction == "" {
			v.CallToAction = cta
		}
		variations = append(variations, v)
	}
	fill := o.deps.Fallback.Fill(req, variations, provider)
	variations = append(variations, fill...)

	return &models.GenerationResult{
		Variations:    variations,
		Provider:      provider,
		FallbackCount: len(fill),
		GeneratedAt:   time.Now().UTC(),
	}
}

func (o *Orchestrator) generateImage(ctx context.Context, req models.ImageRequest, provider providers.Provider, fp string) (*models.ImageResult, error) {
	name := strings.ToLower(provider.Name())
	logger := o.logger.With(zap.String("provider", name))

	if cached, ok := o.deps.ImageCache.Peek(fp); ok {
		o.usage.recordCacheHit(name)
		res := *cached
		res.FromCache = true
		return &res, nil
	}

	if !provider.IsAvailable() || !providers.HasCapability(provider, providers.CapabilityImage) {
		logger.Info("provider cannot generate images, serving placeholder")
		o.usage.recordFallback(name)
		return o.placeholder(name), nil
	}

	permit, err := o.deps.Breakers.Get(name).Allow()
	if err != nil {
		logger.Warn("circuit breaker rejected image call, serving placeholder")
		o.usage.recordFallback(name)
		return o.placeholder(name), nil
	}

	timeout := o.timeoutFor(name)
	var resp *providers.ImageResponse
	var lastLatency time.Duration
	callErr := o.retryFor(name).Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		r, err := provider.GenerateImage(attemptCtx, &providers.ImageRequest{Prompt: req.Prompt})
		lastLatency = time.Since(start)
		if err != nil {
			return err
		}
		if len(r.Data) == 0 {
			return providers.InvalidResponse(name, "empty image payload", 0, nil)
		}
		resp = r
		return nil
	})

	if callErr != nil && ctx.Err() != nil {
		permit.Cancel()
		return nil, ctx.Err()
	}

	if callErr != nil {
		permit.Done(breaker.Failure, lastLatency)
		o.usage.recordCall(name, false, lastLatency)
		o.usage.recordFallback(name)
		logger.Warn("image generation failed, serving placeholder",
			zap.String("error_type", string(services.ClassifyProviderError(callErr).Type)),
			zap.Error(callErr))
		return o.placeholder(name), nil
	}
	permit.Done(breaker.Success, lastLatency)
	o.usage.recordCall(name, true, lastLatency)

	// stored even when the caller has gone
	url, err := o.deps.Storage.Put(context.WithoutCancel(ctx), resp.Data, resp.ContentType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.usage.recordFallback(name)
		logger.Error("failed to store generated image, serving placeholder",
			zap.String("error_type", string(services.ErrorTypeStorageFailure)),
			zap.Error(err))
		return o.placeholder(name), nil
	}

	result := &models.ImageResult{
		URL:         url,
		Provider:    name,
		GeneratedAt: time.Now().UTC(),
	}
	cp := *result
	o.deps.ImageCache.Put(fp, name, &cp, o.config.ImageTTL)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) placeholder(provider string) *models.ImageResult {
	return &models.ImageResult{
		URL:         o.deps.Fallback.PlaceholderImage(),
		Provider:    provider,
		IsFallback:  true,
		GeneratedAt: time.Now().UTC(),
	}
}

// resolve validates req and returns the named provider
func (o *Orchestrator) resolve(req *models.GenerationRequest, providerName string) (providers.Provider, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrEmptyPrompt.Message, nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, validationError(err)
	}
	return o.lookup(providerName)
}

func (o *Orchestrator) lookup(providerName string) (providers.Provider, error) {
	provider, err := o.deps.Providers.Get(providerName)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("%s: %q", services.ErrUnknownProvider.Message, providerName), err).
			WithDetail("available", o.deps.Providers.List())
	}
	return provider, nil
}

func (o *Orchestrator) timeoutFor(provider string) time.Duration {
	if t, ok := o.config.Timeouts[provider]; ok && t > 0 {
		return t
	}
	return o.config.DefaultTimeout
}

func (o *Orchestrator) retryFor(provider string) *retry.Policy {
	if p, ok := o.deps.RetryOverrides[provider]; ok && p != nil {
		return p
	}
	return o.deps.Retry
}

// Descriptors lists registered providers with their usage
func (o *Orchestrator) Descriptors() []ProviderStatus {
	descriptors := o.deps.Providers.Descriptors()
	out := make([]ProviderStatus, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, ProviderStatus{Descriptor: d, Usage: o.usage.snapshot(d.Name)})
	}
	return out
}

// Stats returns per-provider usage statistics
func (o *Orchestrator) Stats() []ProviderUsage {
	return o.usage.all()
}

// CacheStats returns statistics for both caches
func (o *Orchestrator) CacheStats() CacheStats {
	return CacheStats{
		Text:  o.deps.TextCache.Stats(),
		Image: o.deps.ImageCache.Stats(),
	}
}

// InvalidateCache drops cached content for provider, or everything when provider is empty
func (o *Orchestrator) InvalidateCache(provider string) int {
	if strings.TrimSpace(provider) == "" {
		return o.deps.TextCache.InvalidateAll() + o.deps.ImageCache.InvalidateAll()
	}
	return o.deps.TextCache.Invalidate(provider) + o.deps.ImageCache.Invalidate(provider)
}

// BreakerSnapshots returns the state of every breaker created so far
func (o *Orchestrator) BreakerSnapshots() []breaker.Snapshot {
	return o.deps.Breakers.Snapshots()
}

// ForceBreaker overrides the breaker state of a registered provider
func (o *Orchestrator) ForceBreaker(providerName, state string) (breaker.Snapshot, error) {
	provider, err := o.lookup(providerName)
	if err != nil {
		return breaker.Snapshot{}, err
	}
	s, err := breaker.ParseState(state)
	if err != nil {
		return breaker.Snapshot{}, services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
	}
	o.logger.Warn("forcing circuit breaker state",
		zap.String("provider", provider.Name()),
		zap.String("state", string(s)))
	return o.deps.Breakers.Force(provider.Name(), s), nil
}

func validationError(err error) error {
	domainErr := services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
	if fields := utils.GetValidationFields(err); fields != nil {
		domainErr.WithDetail("fields", fields)
	}
	return domainErr
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
