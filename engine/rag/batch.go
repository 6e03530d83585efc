package rag

import (
	"context"

	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/pkg/fn"
)

// AskBatch answers reqs with at most workers in flight, returning results in
// request order. All requests share the dataset caches behind the Service.
func (s *Service) AskBatch(ctx context.Context, reqs []Request, workers int) []fn.Result[*Response] {
	s.logger.Info("batch start", "requests", len(reqs), "workers", workers)
	out := fn.ParMapResult(reqs, workers, func(req Request) fn.Result[*Response] {
		if err := ctx.Err(); err != nil {
			return fn.Err[*Response](err, fn.Meta{MetaStage: string(StateValidateInputs), MetaKind: domain.KindUnknown.String()})
		}
		return s.Ask(ctx, req)
	})
	sum := Summarize(out)
	s.logger.Info("batch done", "total", sum.Total, "success", sum.Success, "warning", sum.Warning, "error", sum.Error)
	return out
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Total   int            `json:"total"`
	Success int            `json:"success"`
	Warning int            `json:"warning"`
	Error   int            `json:"error"`
	ByKind  map[string]int `json:"by_kind,omitempty"`
	ByStage map[string]int `json:"by_stage,omitempty"`
}

// Summarize counts results by status, and failures by kind and stage.
func Summarize(results []fn.Result[*Response]) BatchSummary {
	sum := BatchSummary{Total: len(results), ByKind: map[string]int{}, ByStage: map[string]int{}}
	for _, r := range results {
		switch r.Status() {
		case fn.StatusSuccess:
			sum.Success++
		case fn.StatusWarning:
			sum.Warning++
		default:
			sum.Error++
			sum.ByKind[r.MetaString(MetaKind)]++
			sum.ByStage[r.MetaString(MetaStage)]++
		}
	}
	return sum
}

// KeyframeRequests addresses QA pairs 1..count of one category at a keyframe.
func KeyframeRequests(scene, kf domain.Ref, cat domain.Category, count int) []Request {
	reqs := make([]Request, count)
	for i := range reqs {
		reqs[i] = Request{Scene: scene, Keyframe: kf, Category: cat, Serial: i + 1}
	}
	return reqs
}
