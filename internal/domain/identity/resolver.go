// Package identity maps free-text driver display names onto stable
// cross-session identities, trying progressively less trustworthy evidence.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/scoring"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// Confidence scores attached to each source.
const (
	ConfidenceManual     = 100
	ConfidenceExternalID = 100
	ConfidenceRegistry   = 95
	ConfidenceFuzzyMax   = 79
	ConfidenceFallback   = 20
)

const (
	defaultMinScore       = 0.82
	defaultCandidateLimit = 20
)

// Request describes one sighting of a driver.
type Request struct {
	DisplayName string
	ExternalID  string
	SessionID   string
	SeenAt      time.Time
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Identity   model.DriverIdentity
	Source     model.MatchSource
	Tier       model.ConfidenceTier
	Confidence int
	Score      float64 // similarity, set for fuzzy matches
	Created    bool
}

// Option applies a configuration option to the Resolver.
type Option func(*Resolver)

// WithScorer replaces the similarity scorer used by the fuzzy tier.
func WithScorer(s scoring.Scorer) Option {
	return func(r *Resolver) {
		if s != nil {
			r.scorer = s
		}
	}
}

// WithMinScore sets the lowest similarity accepted as a fuzzy match.
func WithMinScore(score float64) Option {
	return func(r *Resolver) {
		if score > 0 && score <= 1 {
			r.minScore = score
		}
	}
}

// WithCandidateLimit caps the variants fetched for fuzzy scoring.
func WithCandidateLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.candidateLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver resolves display names to identities.
type Resolver struct {
	store          Store
	registry       Registry
	scorer         scoring.Scorer
	minScore       float64
	candidateLimit int
	group          singleflight.Group
	logger         logger.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// NewResolver creates a Resolver. registry may be nil when no booking system
// is connected; the external id and registry tiers are then skipped.
func NewResolver(store Store, registry Registry, opts ...Option) *Resolver {
	r := &Resolver{
		store:          store,
		registry:       registry,
		scorer:         scoring.NewNameScorer(),
		minScore:       defaultMinScore,
		candidateLimit: defaultCandidateLimit,
		tracer:         otel.Tracer("pitwall/identity"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("identity")
	}
	return r
}

// Resolve maps a sighting to an identity. Evidence is tried in strictly
// decreasing order of trust: a manual binding of the exact name, the
// external id, an unambiguous registry match, a previously recorded variant,
// a fuzzy match against history, and finally a fresh unlinked identity.
//
// Concurrent calls for the same name and external id share one resolution.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.DisplayName == "" {
		return Resolution{}, ErrEmptyName
	}
	if req.SeenAt.IsZero() {
		req.SeenAt = r.now()
	}

	ctx, span := r.tracer.Start(ctx, "identity.Resolve",
		trace.WithAttributes(
			attribute.String("driver", req.DisplayName),
			attribute.String("session_id", req.SessionID),
		),
	)
	defer span.End()

	key := req.DisplayName + "\x00" + req.ExternalID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		metrics.RecordIdentityFailure()
		return Resolution{}, err
	}
	res := v.(Resolution) //nolint:forcetypeassert // resolve only returns Resolution
	res.Identity = res.Identity.Clone()
	span.SetAttributes(
		attribute.String("identity_id", res.Identity.ID),
		attribute.String("source", string(res.Source)),
	)
	metrics.RecordIdentityResolution(string(res.Source))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (Resolution, error) {
	known, err := r.store.FindByNameVariant(ctx, req.DisplayName)
	if err != nil {
		return Resolution{}, fmt.Errorf("find name variant: %w", err)
	}

	for _, d := range known {
		if d.LinkingStatus == model.LinkManual {
			return r.touch(ctx, d, req, model.SourceManual, ConfidenceManual, 0)
		}
	}

	if req.ExternalID != "" {
		res, ok, err := r.byExternalID(ctx, req)
		if err != nil || ok {
			return res, err
		}
	}

	if r.registry != nil {
		acct, ok, err := r.registryMatch(ctx, req.DisplayName)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			return r.linkAccount(ctx, acct, req, model.SourceRegistry, ConfidenceRegistry)
		}
	}

	if d, ok := preferred(known); ok {
		v := d.Variant(req.DisplayName)
		return r.touch(ctx, d, req, v.Source, v.Confidence, 0)
	}

	res, ok, err := r.fuzzy(ctx, req)
	if err != nil || ok {
		return res, err
	}

	return r.create(ctx, req)
}

// byExternalID trusts an external id only once it is tied to an account.
// A pending identity keeps the tier it was created with until the registry
// confirms the id or its name matches exactly one account.
func (r *Resolver) byExternalID(ctx context.Context, req Request) (Resolution, bool, error) {
	d, err := r.store.FindByExternalID(ctx, req.ExternalID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Resolution{}, false, fmt.Errorf("find identity by external id: %w", err)
	}
	if found && d.AccountID != "" {
		res, err := r.touch(ctx, d, req, model.SourceExternalID, ConfidenceExternalID, 0)
		return res, err == nil, err
	}

	if r.registry != nil {
		acct, err := r.registry.FindByExternalID(ctx, req.ExternalID)
		switch {
		case err == nil:
			if !found {
				res, err := r.linkAccount(ctx, acct, req, model.SourceExternalID, ConfidenceExternalID)
				return res, err == nil, err
			}
			d.AccountID = acct.ID
			d.LinkingStatus = model.LinkLinked
			res, err := r.touch(ctx, d, req, model.SourceExternalID, ConfidenceExternalID, 0)
			return res, err == nil, err
		case !errors.Is(err, ErrAccountNotFound):
			return Resolution{}, false, fmt.Errorf("registry lookup by external id: %w", err)
		}
	}

	if !found {
		return Resolution{}, false, nil
	}
	if r.registry != nil {
		acct, ok, err := r.registryMatch(ctx, req.DisplayName)
		if err != nil {
			return Resolution{}, false, err
		}
		if ok {
			res, err := r.linkPending(ctx, d, acct, req)
			return res, err == nil, err
		}
	}
	src, conf := model.SourceFallback, ConfidenceFallback
	if v := d.Variant(req.DisplayName); v != nil {
		src, conf = v.Source, v.Confidence
	}
	res, err := r.touch(ctx, d, req, src, conf, 0)
	return res, err == nil, err
}

// registryMatch tries every first/last reading of name against the registry
// and succeeds only when exactly one account is consistent with it.
func (r *Resolver) registryMatch(ctx context.Context, name string) (model.Account, bool, error) {
	seen := map[string]model.Account{}
	for _, parts := range SplitName(name) {
		accts, err := r.registry.FindByNameParts(ctx, parts)
		if err != nil {
			return model.Account{}, false, fmt.Errorf("registry lookup by name: %w", err)
		}
		for _, a := range accts {
			if Matches(a, parts) {
				seen[a.ID] = a
			}
		}
	}
	if len(seen) != 1 {
		if len(seen) > 1 {
			r.logger.Debug(ctx, "ambiguous registry match",
				logger.String("driver", name), logger.Int("accounts", len(seen)))
		}
		return model.Account{}, false, nil
	}
	for _, a := range seen {
		return a, true, nil
	}
	return model.Account{}, false, nil
}

func (r *Resolver) fuzzy(ctx context.Context, req Request) (Resolution, bool, error) {
	normalized := scoring.Normalize(req.DisplayName)
	if normalized == "" {
		return Resolution{}, false, nil
	}
	cands, err := r.store.SearchVariants(ctx, normalized, r.candidateLimit)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("search name variants: %w", err)
	}

	var (
		best      Candidate
		bestScore float64
	)
	for _, c := range cands {
		s := r.scorer.Score(req.DisplayName, c.Name)
		if s > bestScore || (s == bestScore && c.IdentityID < best.IdentityID) {
			best, bestScore = c, s
		}
	}
	if bestScore < r.minScore {
		return Resolution{}, false, nil
	}

	d, err := r.store.Get(ctx, best.IdentityID)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("load fuzzy match %s: %w", best.IdentityID, err)
	}
	res, err := r.touch(ctx, d, req, model.SourceFuzzy, FuzzyConfidence(bestScore), bestScore)
	return res, err == nil, err
}

// FuzzyConfidence converts a similarity score into a confidence that never
// reaches the high tier.
func FuzzyConfidence(score float64) int {
	c := int(math.Round(score * 100))
	return max(0, min(c, ConfidenceFuzzyMax))
}

func (r *Resolver) linkAccount(ctx context.Context, acct model.Account, req Request, src model.MatchSource, conf int) (Resolution, error) {
	d, err := r.store.FindByAccountID(ctx, acct.ID)
	switch {
	case err == nil:
		if d.LinkingStatus != model.LinkManual {
			d.LinkingStatus = model.LinkLinked
		}
		if d.ExternalID == "" {
			d.ExternalID = acct.ExternalID
		}
		return r.touch(ctx, d, req, src, conf, 0)
	case !errors.Is(err, ErrNotFound):
		return Resolution{}, fmt.Errorf("find identity by account: %w", err)
	}

	d = r.newIdentity(req)
	d.AccountID = acct.ID
	d.ExternalID = acct.ExternalID
	if d.ExternalID == "" {
		d.ExternalID = req.ExternalID
	}
	d.LinkingStatus = model.LinkLinked
	return r.insert(ctx, d, req, src, conf)
}

// linkPending ties the pending identity d to acct after a registry name
// match. If another identity already holds the account that one wins.
func (r *Resolver) linkPending(ctx context.Context, d model.DriverIdentity, acct model.Account, req Request) (Resolution, error) {
	owner, err := r.store.FindByAccountID(ctx, acct.ID)
	switch {
	case err == nil && owner.ID != d.ID:
		return r.linkAccount(ctx, acct, req, model.SourceRegistry, ConfidenceRegistry)
	case err != nil && !errors.Is(err, ErrNotFound):
		return Resolution{}, fmt.Errorf("find identity by account: %w", err)
	}
	d.AccountID = acct.ID
	d.LinkingStatus = model.LinkLinked
	return r.touch(ctx, d, req, model.SourceRegistry, ConfidenceRegistry, 0)
}

func (r *Resolver) create(ctx context.Context, req Request) (Resolution, error) {
	d := r.newIdentity(req)
	d.LinkingStatus = model.LinkUnlinked
	if req.ExternalID != "" {
		d.ExternalID = req.ExternalID
		d.LinkingStatus = model.LinkPending
	}
	return r.insert(ctx, d, req, model.SourceFallback, ConfidenceFallback)
}

func (r *Resolver) newIdentity(req Request) model.DriverIdentity {
	return model.DriverIdentity{
		ID:          uuid.NewString(),
		PrimaryName: req.DisplayName,
		CreatedAt:   req.SeenAt,
		UpdatedAt:   req.SeenAt,
	}
}

func (r *Resolver) insert(ctx context.Context, d model.DriverIdentity, req Request, src model.MatchSource, conf int) (Resolution, error) {
	d.Confidence = conf
	if err := r.observe(&d, req, src, conf); err != nil {
		return Resolution{}, err
	}
	if err := r.store.Create(ctx, d); err != nil {
		return Resolution{}, fmt.Errorf("create identity: %w", err)
	}
	if err := r.markSession(ctx, &d, req); err != nil {
		return Resolution{}, err
	}
	r.logger.Debug(ctx, "identity created",
		logger.String("identity_id", d.ID),
		logger.String("driver", req.DisplayName),
		logger.String("source", string(src)),
	)
	return Resolution{
		Identity:   d,
		Source:     src,
		Tier:       src.Tier(),
		Confidence: conf,
		Created:    true,
	}, nil
}

// touch records the sighting on an existing identity and saves it. Manual
// identities keep their binding and confidence; others only gain confidence.
func (r *Resolver) touch(ctx context.Context, d model.DriverIdentity, req Request, src model.MatchSource, conf int, score float64) (Resolution, error) {
	if d.LinkingStatus != model.LinkManual && conf > d.Confidence {
		d.Confidence = conf
	}
	if err := r.observe(&d, req, src, conf); err != nil {
		return Resolution{}, err
	}
	d.UpdatedAt = req.SeenAt
	if err := r.store.Save(ctx, d); err != nil {
		return Resolution{}, fmt.Errorf("save identity %s: %w", d.ID, err)
	}
	if err := r.markSession(ctx, &d, req); err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Identity:   d,
		Source:     src,
		Tier:       src.Tier(),
		Confidence: conf,
		Score:      score,
	}, nil
}

// observe appends or refreshes the name variant for req. Session counters
// are left to markSession.
func (r *Resolver) observe(d *model.DriverIdentity, req Request, src model.MatchSource, conf int) error {
	if v := d.Variant(req.DisplayName); v != nil {
		if req.SeenAt.After(v.LastSeen) {
			v.LastSeen = req.SeenAt
		}
		if conf > v.Confidence {
			v.Confidence = conf
			v.Source = src
		}
		return nil
	}

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate variant id: %w", err)
	}
	d.NameHistory = append(d.NameHistory, model.NameVariant{
		ID:         id,
		Name:       req.DisplayName,
		FirstSeen:  req.SeenAt,
		LastSeen:   req.SeenAt,
		Confidence: conf,
		Source:     src,
	})
	return nil
}

// markSession records the sighting against its session in the store and
// mirrors the counter bumps onto d.
func (r *Resolver) markSession(ctx context.Context, d *model.DriverIdentity, req Request) error {
	if req.SessionID == "" {
		return nil
	}
	identityFirst, nameFirst, err := r.store.MarkSession(ctx, d.ID, req.DisplayName, req.SessionID)
	if err != nil {
		return fmt.Errorf("mark session for identity %s: %w", d.ID, err)
	}
	if identityFirst {
		d.TotalSessions++
	}
	if v := d.Variant(req.DisplayName); v != nil && nameFirst {
		v.SessionCount++
		v.LastSessionID = req.SessionID
	}
	return nil
}

// preferred picks among identities holding the same variant: highest
// confidence, then oldest.
func preferred(ds []model.DriverIdentity) (model.DriverIdentity, bool) {
	if len(ds) == 0 {
		return model.DriverIdentity{}, false
	}
	sorted := append([]model.DriverIdentity(nil), ds...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], true
}

// BindManually binds displayName to a registered account. The binding is
// sticky: later resolutions of the exact name return this identity with
// manual confidence regardless of other evidence.
func (r *Resolver) BindManually(ctx context.Context, displayName, accountID string) (model.DriverIdentity, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return model.DriverIdentity{}, ErrEmptyName
	}
	if r.registry == nil {
		return model.DriverIdentity{}, ErrAccountNotFound
	}
	acct, err := r.registry.Get(ctx, accountID)
	if err != nil {
		return model.DriverIdentity{}, err
	}

	req := Request{DisplayName: displayName, SeenAt: r.now()}

	var (
		d     model.DriverIdentity
		found bool
	)
	known, err := r.store.FindByNameVariant(ctx, displayName)
	if err != nil {
		return model.DriverIdentity{}, fmt.Errorf("find name variant: %w", err)
	}
	for _, k := range known {
		if k.AccountID == acct.ID {
			d, found = k, true
			break
		}
	}
	if !found {
		d, found = preferred(known)
	}
	if !found {
		d, err = r.store.FindByAccountID(ctx, acct.ID)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, ErrNotFound):
			return model.DriverIdentity{}, fmt.Errorf("find identity by account: %w", err)
		}
	}

	if !found {
		d = r.newIdentity(req)
	}
	d.AccountID = acct.ID
	if d.ExternalID == "" {
		d.ExternalID = acct.ExternalID
	}
	d.LinkingStatus = model.LinkManual
	d.ManuallyVerified = true
	d.Confidence = ConfidenceManual
	if err := r.observe(&d, req, model.SourceManual, ConfidenceManual); err != nil {
		return model.DriverIdentity{}, err
	}
	v := d.Variant(displayName)
	v.Source = model.SourceManual
	v.Confidence = ConfidenceManual
	d.UpdatedAt = req.SeenAt

	if found {
		err = r.store.Save(ctx, d)
	} else {
		err = r.store.Create(ctx, d)
	}
	if err != nil {
		return model.DriverIdentity{}, fmt.Errorf("store manual binding: %w", err)
	}

	r.logger.Info(ctx, "identity bound manually",
		logger.String("identity_id", d.ID),
		logger.String("driver", displayName),
		logger.String("account_id", acct.ID),
	)
	return d, nil
}

// RecordLaps adds n completed laps to an identity's running total.
func (r *Resolver) RecordLaps(ctx context.Context, identityID string, n int) error {
	if identityID == "" || n <= 0 {
		return nil
	}
	return r.store.AddLaps(ctx, identityID, n)
}

// Identity returns a stored identity.
func (r *Resolver) Identity(ctx context.Context, id string) (model.DriverIdentity, error) {
	return r.store.Get(ctx, id)
}
