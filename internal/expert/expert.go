// Package expert implements the Expert Store (C9, spec §4.5): durable
// knowledge agents whose beliefs accumulate from synthesised documents
// and campaign results. Grounded on the teacher's
// pkg/agent/controller.SynthesisController — a tool-less, single LLM
// call over prior context — generalised from summarising a session's
// investigation stages to synthesising belief candidates from a
// document corpus or a completed campaign.
package expert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blisspixel/deepr/internal/campaign"
	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/docstore"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/ids"
	"github.com/blisspixel/deepr/internal/models"
)

// Repo is the persistence subset the store depends on.
type Repo interface {
	InsertExpert(ctx context.Context, e *models.Expert) error
	GetExpert(ctx context.Context, id string) (*models.Expert, error)
	GetExpertByName(ctx context.Context, name string) (*models.Expert, error)
	ListExperts(ctx context.Context) ([]*models.Expert, error)
	InsertBelief(ctx context.Context, expertID string, b *models.Belief) error
	SupersedeBelief(ctx context.Context, beliefID, supersededBy string) error
	InsertGap(ctx context.Context, expertID string, g *models.Gap) error
	CloseGap(ctx context.Context, gapID, filledByJob string) error
	UpdateExpertSpend(ctx context.Context, id string, totalSpend float64, lastSynthesisedAt *time.Time) error
}

// Answerer is the "small provider call" spec §4.5 composes a grounded
// answer or belief candidates with — a single synchronous completion,
// never the async submit/poll/fetch cycle of the Provider Port, since
// synthesis and query never run long enough to need dispatch through
// C6.
type Answerer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Store is the Expert Store's single entry point.
type Store struct {
	repo      Repo
	docs      docstore.Store
	answerer  Answerer
	campaigns *campaign.Engine
	bus       *events.Bus
	clock     clock.Clock
}

// New constructs a Store. Pass a *campaign.Engine so FillGap can
// delegate to the Campaign Engine directly (spec §4.5: "delegates to
// C10"; C10 itself creates exactly this shape of single-gap campaign,
// so the Learning Loop reuses FillGap rather than duplicating it).
func New(repo Repo, docs docstore.Store, answerer Answerer, campaigns *campaign.Engine, bus *events.Bus, clk clock.Clock) *Store {
	return &Store{repo: repo, docs: docs, answerer: answerer, campaigns: campaigns, bus: bus, clock: clk}
}

// Create registers a new expert and its document-store handle (spec
// §4.5). If initialDocuments is non-empty they are added and a
// synthesis pass runs before returning.
func (s *Store) Create(ctx context.Context, name, domain string, initialDocuments []docstore.Document) (*models.Expert, error) {
	storeRef, err := s.docs.CreateStore(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("expert: creating document store: %w", err)
	}

	e := &models.Expert{
		ID:                ids.New(ids.Expert),
		Name:              name,
		DomainDescription: domain,
		DocumentStoreRef:  storeRef,
		CreatedAt:         s.clock.Now(),
	}
	if err := s.repo.InsertExpert(ctx, e); err != nil {
		return nil, fmt.Errorf("expert: creating: %w", err)
	}

	if len(initialDocuments) > 0 {
		if _, err := s.docs.Add(ctx, storeRef, initialDocuments); err != nil {
			return nil, fmt.Errorf("expert: adding initial documents: %w", err)
		}
		if err := s.Synthesise(ctx, e.ID); err != nil {
			return nil, fmt.Errorf("expert: synthesising initial documents: %w", err)
		}
		e, err = s.repo.GetExpert(ctx, e.ID)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Upload forwards documents to C4 then synthesises beliefs from the
// enlarged corpus (spec §4.5). No job queue is involved: synthesis is
// a single small-model call, not a deep-research job (§4.5 DOMAIN
// note), so it runs inline rather than being scheduled asynchronously.
func (s *Store) Upload(ctx context.Context, expertID string, documents []docstore.Document) error {
	e, err := s.repo.GetExpert(ctx, expertID)
	if err != nil {
		return fmt.Errorf("expert: upload: %w", err)
	}
	if _, err := s.docs.Add(ctx, e.DocumentStoreRef, documents); err != nil {
		return fmt.Errorf("expert: uploading documents: %w", err)
	}
	return s.Synthesise(ctx, expertID)
}

// QueryResult is the response to Query (spec §4.5).
type QueryResult struct {
	Answer          string
	Confidence      float64
	Citations       []models.Citation
	IdentifiedGaps  []string
}

// Query retrieves relevant beliefs via C4, composes a grounded answer
// via the Answerer, and returns the minimum confidence among the
// beliefs used plus any gaps the answering model flagged (spec §4.5).
func (s *Store) Query(ctx context.Context, expertName, question string) (QueryResult, error) {
	e, err := s.repo.GetExpertByName(ctx, expertName)
	if err != nil {
		return QueryResult{}, fmt.Errorf("expert: query: %w", err)
	}

	hits, err := s.docs.Search(ctx, e.DocumentStoreRef, question, 5)
	if err != nil {
		return QueryResult{}, fmt.Errorf("expert: searching corpus: %w", err)
	}

	relevant := relevantBeliefs(e.HeadBeliefs(), question, hits)
	if len(relevant) == 0 {
		return QueryResult{
			Answer:         "no grounded belief covers this question yet",
			Confidence:     0,
			IdentifiedGaps: []string{question},
		}, nil
	}

	prompt := buildQueryPrompt(e, question, hits, relevant)
	raw, err := s.answerer.Complete(ctx, prompt)
	if err != nil {
		return QueryResult{}, fmt.Errorf("expert: composing answer: %w", err)
	}
	answer, gaps := splitGapsSection(raw)

	confidence := relevant[0].Confidence
	var citations []models.Citation
	for _, b := range relevant {
		if b.Confidence < confidence {
			confidence = b.Confidence
		}
		citations = append(citations, b.Sources...)
	}

	return QueryResult{Answer: answer, Confidence: confidence, Citations: citations, IdentifiedGaps: gaps}, nil
}

// relevantBeliefs selects head beliefs whose statement shares a
// significant word with the question or a retrieved excerpt — a
// deterministic lexical-overlap heuristic standing in for embedding
// similarity, since no embedding model is wired (DESIGN.md).
func relevantBeliefs(heads []*models.Belief, question string, hits []docstore.SearchHit) []*models.Belief {
	corpus := strings.ToLower(question)
	for _, h := range hits {
		corpus += " " + strings.ToLower(h.Excerpt)
	}
	corpusWords := make(map[string]bool)
	for _, w := range strings.Fields(corpus) {
		if len(w) > 3 {
			corpusWords[w] = true
		}
	}

	var out []*models.Belief
	for _, b := range heads {
		for _, w := range strings.Fields(strings.ToLower(b.Statement)) {
			if len(w) > 3 && corpusWords[w] {
				out = append(out, b)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence < out[j].Confidence })
	return out
}

func buildQueryPrompt(e *models.Expert, question string, hits []docstore.SearchHit, relevant []*models.Belief) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q expert. Domain: %s\n\n", e.Name, e.DomainDescription)
	b.WriteString("## Held beliefs\n\n")
	for _, belief := range relevant {
		fmt.Fprintf(&b, "- (%.2f confidence) %s\n", belief.Confidence, belief.Statement)
	}
	b.WriteString("\n## Corpus excerpts\n\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Excerpt)
	}
	fmt.Fprintf(&b, "\n## Question\n\n%s\n\n", question)
	b.WriteString("Answer using only the beliefs and excerpts above. If the question exposes a " +
		"gap in current knowledge, end your answer with a \"## Gaps\" section listing one gap per line.")
	return b.String()
}

// splitGapsSection separates a trailing "## Gaps" section (one gap per
// line) from the answer body, per the convention buildQueryPrompt asks
// the answering model to follow.
func splitGapsSection(raw string) (answer string, gaps []string) {
	marker := "## Gaps"
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return strings.TrimSpace(raw), nil
	}
	answer = strings.TrimSpace(raw[:idx])
	for _, line := range strings.Split(raw[idx+len(marker):], "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			gaps = append(gaps, strings.TrimSpace(line))
		}
	}
	return answer, gaps
}

// RecordGap appends a gap, idempotent by (expert, topic) (spec §4.5).
func (s *Store) RecordGap(ctx context.Context, expertID, topic string, priority int) error {
	e, err := s.repo.GetExpert(ctx, expertID)
	if err != nil {
		return fmt.Errorf("expert: record gap: %w", err)
	}
	for _, g := range e.Gaps {
		if g.Topic == topic {
			return nil
		}
	}
	g := &models.Gap{
		ID:           ids.New(ids.Gap),
		Topic:        topic,
		Priority:     priority,
		DiscoveredAt: s.clock.Now(),
	}
	if err := s.repo.InsertGap(ctx, expertID, g); err != nil {
		return fmt.Errorf("expert: recording gap: %w", err)
	}
	s.bus.Publish(events.Event{
		Topic:   events.ExpertTopic(e.Name, "gap_recorded"),
		Type:    "experts.gap_recorded",
		Payload: map[string]any{"expert_id": expertID, "gap_id": g.ID, "topic": topic},
	})
	return nil
}

// FillGap delegates to the Campaign Engine (spec §4.5: "delegates to
// C10"): a single-topic campaign whose goal is the gap's topic and
// whose ExpertRef carries the expert id for traceability (spec §4.6
// step 2). On the campaign's completion the result is handed back
// to Synthesise and the gap is closed (spec §4.6 step 3).
func (s *Store) FillGap(ctx context.Context, expertID, gapID string, budget float64) (campaignID string, err error) {
	e, err := s.repo.GetExpert(ctx, expertID)
	if err != nil {
		return "", fmt.Errorf("expert: fill gap: %w", err)
	}
	var gap *models.Gap
	for _, g := range e.Gaps {
		if g.ID == gapID {
			gap = g
			break
		}
	}
	if gap == nil {
		return "", fmt.Errorf("expert: fill gap: gap %s not found on expert %s", gapID, expertID)
	}

	camp, err := s.campaigns.Create(ctx, campaign.CampaignSpec{
		Goal: gap.Topic,
		Topics: []campaign.TopicSpec{{
			ID:            ids.New(ids.Topic),
			Prompt:        gap.Topic,
			EstimatedCost: budget,
		}},
		BudgetCap: &budget,
		ExpertRef: expertID,
	})
	if err != nil {
		return "", fmt.Errorf("expert: creating gap-filling campaign: %w", err)
	}

	s.subscribeGapCompletion(expertID, gapID, camp.ID)
	return camp.ID, nil
}

// subscribeGapCompletion arms a one-shot subscription that folds a
// gap-filling campaign's result into beliefs and closes the gap once
// the campaign finishes, without polling (same pattern as the Campaign
// Engine's own subscribeTerminal).
func (s *Store) subscribeGapCompletion(expertID, gapID, campaignID string) {
	completed := events.CampaignTopic(campaignID, "completed")
	failed := events.CampaignTopic(campaignID, "failed")
	var subCompleted, subFailed int

	onDone := func(ev events.Event) {
		s.bus.Unsubscribe(completed, subCompleted)
		s.bus.Unsubscribe(failed, subFailed)
		if ev.Type != "campaign.completed" {
			return
		}
		ctx := context.Background()
		jobID, result := "", ""
		if camp, err := s.campaigns.Get(ctx, campaignID); err == nil {
			for _, phase := range camp.Phases {
				for _, t := range phase.Topics {
					if t.JobRef != "" {
						jobID = t.JobRef
					}
					if t.ResultSummary != "" {
						result = t.ResultSummary
					}
				}
			}
		}
		created, err := s.synthesiseFromCampaignResult(ctx, expertID, jobID, result)
		if err != nil || created == 0 {
			// Nothing attributable to this campaign's own result was
			// synthesised; leave the gap open rather than close it on
			// an unrelated or empty synthesis pass (spec §8 scenario 5).
			return
		}
		_ = s.repo.CloseGap(ctx, gapID, jobID)
	}
	subCompleted = s.bus.Subscribe(completed, onDone)
	subFailed = s.bus.Subscribe(failed, onDone)
}

// Synthesise produces or updates beliefs from the expert's whole
// document corpus (spec §4.5). A statement that contradicts an
// existing head belief creates a new belief linked via superseded_by
// rather than mutating the old one (spec invariant: beliefs are
// append-only). Beliefs from a domain-wide pass like this one carry no
// job attribution; see synthesiseFromCampaignResult for the gap-filling
// path that does.
func (s *Store) Synthesise(ctx context.Context, expertID string) error {
	e, err := s.repo.GetExpert(ctx, expertID)
	if err != nil {
		return fmt.Errorf("expert: synthesise: %w", err)
	}
	hits, err := s.docs.Search(ctx, e.DocumentStoreRef, e.DomainDescription, 20)
	if err != nil {
		return fmt.Errorf("expert: searching corpus for synthesis: %w", err)
	}
	_, err = s.synthesiseBeliefs(ctx, e, hits, "", "")
	return err
}

// synthesiseFromCampaignResult scopes a synthesis pass to a single
// gap-filling campaign's own result rather than the whole corpus, so
// any belief it produces is attributable to that job: its Sources cite
// the job and DerivedFromJob is set (spec §8 scenario 5, "a new belief
// is added whose citations overlap the campaign's result"). Returns the
// number of beliefs created so the caller can decide whether the gap
// was actually filled.
func (s *Store) synthesiseFromCampaignResult(ctx context.Context, expertID, jobID, result string) (int, error) {
	if result == "" {
		return 0, nil
	}
	e, err := s.repo.GetExpert(ctx, expertID)
	if err != nil {
		return 0, fmt.Errorf("expert: synthesise from campaign result: %w", err)
	}
	hits, err := s.docs.Search(ctx, e.DocumentStoreRef, e.DomainDescription, 10)
	if err != nil {
		return 0, fmt.Errorf("expert: searching corpus for synthesis: %w", err)
	}
	return s.synthesiseBeliefs(ctx, e, hits, jobID, result)
}

// synthesiseBeliefs is the shared core behind Synthesise and
// synthesiseFromCampaignResult: compose a synthesis prompt over hits
// (plus jobExcerpt when scoped to one campaign's result), parse belief
// statements, and insert or supersede a belief per statement. When
// jobID is set, every belief created carries it as DerivedFromJob and a
// citation pointing back to it.
func (s *Store) synthesiseBeliefs(ctx context.Context, e *models.Expert, hits []docstore.SearchHit, jobID, jobExcerpt string) (int, error) {
	if len(hits) == 0 && jobExcerpt == "" {
		return 0, nil
	}

	raw, err := s.answerer.Complete(ctx, buildSynthesisPrompt(e, hits, jobExcerpt))
	if err != nil {
		return 0, fmt.Errorf("expert: synthesis call: %w", err)
	}

	var sources []models.Citation
	if jobID != "" {
		sources = []models.Citation{{URL: "job://" + jobID, Title: "campaign result"}}
	}

	now := s.clock.Now()
	created := 0
	for _, statement := range parseBeliefStatements(raw) {
		b := &models.Belief{
			ID:             ids.New(ids.Belief),
			Statement:      statement,
			Confidence:     defaultSynthesisConfidence,
			Sources:        sources,
			DerivedFromJob: jobID,
			CreatedAt:      now,
		}
		if existing := findContradicted(e.HeadBeliefs(), statement); existing != nil {
			if err := s.repo.InsertBelief(ctx, e.ID, b); err != nil {
				return created, fmt.Errorf("expert: inserting successor belief: %w", err)
			}
			if err := s.repo.SupersedeBelief(ctx, existing.ID, b.ID); err != nil {
				return created, fmt.Errorf("expert: superseding belief: %w", err)
			}
			created++
			continue
		}
		if err := s.repo.InsertBelief(ctx, e.ID, b); err != nil {
			return created, fmt.Errorf("expert: inserting belief: %w", err)
		}
		created++
	}

	if created == 0 {
		return 0, nil
	}
	if err := s.repo.UpdateExpertSpend(ctx, e.ID, e.TotalSpend, &now); err != nil {
		return created, fmt.Errorf("expert: recording synthesis time: %w", err)
	}
	s.bus.Publish(events.Event{
		Topic:   events.ExpertTopic(e.Name, "synthesised"),
		Type:    "experts.synthesised",
		Payload: map[string]any{"expert_id": e.ID},
	})
	return created, nil
}

// defaultSynthesisConfidence is applied to a freshly synthesised
// belief absent a provider-reported confidence figure; the answering
// model is expected to supply one once a real provider is wired
// (DESIGN.md).
const defaultSynthesisConfidence = 0.75

func buildSynthesisPrompt(e *models.Expert, hits []docstore.SearchHit, jobExcerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are synthesising beliefs for the %q expert. Domain: %s\n\n", e.Name, e.DomainDescription)
	if jobExcerpt != "" {
		b.WriteString("## Just-completed research result\n\n")
		fmt.Fprintf(&b, "%s\n\n", jobExcerpt)
	}
	b.WriteString("## Corpus excerpts\n\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Excerpt)
	}
	b.WriteString("\n## Current beliefs\n\n")
	for _, belief := range e.HeadBeliefs() {
		fmt.Fprintf(&b, "- %s\n", belief.Statement)
	}
	b.WriteString("\nEmit one atomic belief statement per line, each a standalone factual claim " +
		"supported by the excerpts above.")
	return b.String()
}

func parseBeliefStatements(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// findContradicted returns the head belief a new statement contradicts
// (shares its subject but diverges on the claim), approximated by
// exact-prefix overlap on the first few words — a deterministic stand-in
// for a real entailment check, since no NLI model is wired (DESIGN.md).
func findContradicted(heads []*models.Belief, statement string) *models.Belief {
	subject := subjectOf(statement)
	if subject == "" {
		return nil
	}
	for _, b := range heads {
		if subjectOf(b.Statement) == subject && b.Statement != statement {
			return b
		}
	}
	return nil
}

func subjectOf(statement string) string {
	words := strings.Fields(statement)
	n := 3
	if len(words) < n {
		n = len(words)
	}
	return strings.ToLower(strings.Join(words[:n], " "))
}

// OpenGaps returns an expert's unfilled gaps sorted by descending
// priority, for the Learning Loop's gap-selection pass (spec §4.6
// step 1).
func (s *Store) OpenGaps(ctx context.Context, expertID string) ([]*models.Gap, error) {
	e, err := s.repo.GetExpert(ctx, expertID)
	if err != nil {
		return nil, fmt.Errorf("expert: listing open gaps: %w", err)
	}
	var open []*models.Gap
	for _, g := range e.Gaps {
		if !g.Closed() {
			open = append(open, g)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Priority > open[j].Priority })
	return open, nil
}

// ListExperts lists every expert (spec §6.3 GET /experts).
func (s *Store) ListExperts(ctx context.Context) ([]*models.Expert, error) {
	return s.repo.ListExperts(ctx)
}

// Get loads an expert by name (spec §6.3 GET /experts/{name}).
func (s *Store) Get(ctx context.Context, name string) (*models.Expert, error) {
	return s.repo.GetExpertByName(ctx, name)
}
