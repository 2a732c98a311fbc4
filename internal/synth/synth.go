// Package synth merges partial step results into one deduplicated, cited answer.
package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// HealthSource reports current group health used as part of the trust weight.
type HealthSource interface {
	Report(groupID string) (models.HealthReport, bool)
}

// Synthesis is the merged view of one execution.
type Synthesis struct {
	Entities        []models.Entity
	Confidence      float64
	Citations       []models.Citation
	DegradedSources []models.DegradedSource
	Agreement       float64
}

// Synthesizer merges step results.
type Synthesizer struct {
	health HealthSource
	logger *slog.Logger
}

// New constructs a synthesizer. A nil health source treats every group as fully healthy.
func New(health HealthSource, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{health: health, logger: utils.Component(logger, "synth")}
}

type contribution struct {
	groupID string
	stepID  string
	trust   float64
	record  models.Record
}

// Synthesize merges the records of every successful step. The output does not depend on the
// order results are supplied in.
func (s *Synthesizer) Synthesize(snap *registry.Snapshot, results []models.StepResult) Synthesis {
	out := Synthesis{DegradedSources: degraded(results), Agreement: 1}

	healthOf := make(map[string]float64)
	byEntity := make(map[string][]contribution)
	succeeded := 0
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		succeeded++
		h, ok := healthOf[r.GroupID]
		if !ok {
			h = s.healthOf(r.GroupID)
			healthOf[r.GroupID] = h
		}
		weight := 1.0
		if g, ok := snap.Group(r.GroupID); ok {
			weight = g.CriticalityWeight
		}
		for _, rec := range r.Records {
			key := entityKey(rec)
			byEntity[key] = append(byEntity[key], contribution{
				groupID: r.GroupID,
				stepID:  r.StepID,
				trust:   weight * h,
				record:  rec,
			})
		}
	}
	if succeeded == 0 {
		return out
	}

	keys := make([]string, 0, len(byEntity))
	for k := range byEntity {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	agreeing, compared := 0, 0
	successGroups := len(healthOf)
	for _, key := range keys {
		entity, citations, agree, total := merge(key, byEntity[key], successGroups)
		out.Entities = append(out.Entities, entity)
		out.Citations = append(out.Citations, citations...)
		agreeing += agree
		compared += total
	}
	if compared > 0 {
		out.Agreement = float64(agreeing) / float64(compared)
	}
	sort.SliceStable(out.Entities, func(i, j int) bool {
		if out.Entities[i].Score != out.Entities[j].Score {
			return out.Entities[i].Score > out.Entities[j].Score
		}
		return out.Entities[i].EntityID < out.Entities[j].EntityID
	})

	groupIDs := make([]string, 0, len(healthOf))
	for id := range healthOf {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)
	meanHealth := 0.0
	for _, id := range groupIDs {
		meanHealth += healthOf[id]
	}
	meanHealth /= float64(len(healthOf))
	successFraction := float64(succeeded) / float64(len(results))
	out.Confidence = clamp(successFraction * (0.4 + 0.3*meanHealth + 0.3*out.Agreement))

	s.logger.Debug("results synthesized", "entities", len(out.Entities), "succeeded", succeeded,
		"steps", len(results), "confidence", out.Confidence)
	return out
}

func (s *Synthesizer) healthOf(groupID string) float64 {
	if s.health == nil {
		return 1
	}
	r, ok := s.health.Report(groupID)
	if !ok {
		return 1
	}
	return r.HealthPercentage
}

// merge resolves every field of one entity. A field's winner is the contribution with the latest
// UpdatedAt, then the highest trust, then the lowest group and step ID.
func merge(key string, contribs []contribution, successGroups int) (models.Entity, []models.Citation, int, int) {
	sort.SliceStable(contribs, func(i, j int) bool { return wins(contribs[i], contribs[j]) })

	entityID := key
	for _, c := range contribs {
		if c.record.EntityID != "" {
			entityID = c.record.EntityID
			break
		}
	}

	fields := make(map[string]any)
	winners := make(map[string]contribution)
	for _, c := range contribs {
		for name, value := range c.record.Fields {
			if _, taken := winners[name]; taken {
				continue
			}
			winners[name] = c
			fields[name] = value
		}
	}

	names := make([]string, 0, len(winners))
	for name := range winners {
		names = append(names, name)
	}
	sort.Strings(names)

	citations := make([]models.Citation, 0, len(names))
	agree, total := 0, 0
	for _, name := range names {
		w := winners[name]
		citations = append(citations, models.Citation{EntityID: entityID, Field: name, GroupID: w.groupID, StepID: w.stepID})

		for _, c := range contribs {
			if c.groupID == w.groupID && c.stepID == w.stepID {
				continue
			}
			v, ok := c.record.Fields[name]
			if !ok {
				continue
			}
			total++
			if reflect.DeepEqual(v, fields[name]) || fmt.Sprint(v) == fmt.Sprint(fields[name]) {
				agree++
			}
		}
	}

	sources := make([]string, 0, len(contribs))
	seen := make(map[string]bool, len(contribs))
	trust := 0.0
	for _, c := range contribs {
		trust += c.trust
		if !seen[c.groupID] {
			seen[c.groupID] = true
			sources = append(sources, c.groupID)
		}
	}
	sort.Strings(sources)

	score := trust / float64(len(contribs)) * float64(len(sources)) / float64(successGroups)
	return models.Entity{EntityID: entityID, Fields: fields, Sources: sources, Score: clamp(score)}, citations, agree, total
}

func wins(a, b contribution) bool {
	if !a.record.UpdatedAt.Equal(b.record.UpdatedAt) {
		return a.record.UpdatedAt.After(b.record.UpdatedAt)
	}
	if a.trust != b.trust {
		return a.trust > b.trust
	}
	if a.groupID != b.groupID {
		return a.groupID < b.groupID
	}
	if a.stepID != b.stepID {
		return a.stepID < b.stepID
	}
	return digest(a.record) < digest(b.record)
}

func entityKey(rec models.Record) string {
	if rec.EntityID != "" {
		return rec.EntityID
	}
	return "digest:" + digest(rec)
}

func digest(rec models.Record) string {
	payload, _ := json.Marshal(struct {
		Fields    map[string]any `json:"fields"`
		UpdatedAt time.Time      `json:"updated_at"`
	}{rec.Fields, rec.UpdatedAt})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:12])
}

func degraded(results []models.StepResult) []models.DegradedSource {
	seen := make(map[models.DegradedSource]bool)
	var out []models.DegradedSource
	for _, r := range results {
		if r.Succeeded() {
			continue
		}
		src := models.DegradedSource{GroupID: r.GroupID, Reason: r.Status}
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
