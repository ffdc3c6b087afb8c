// Package verdict condenses per-case execution results into a single
// submission verdict.
package verdict

import (
	"gavel/internal/judge/model"
)

// severity orders verdicts from worst to best. When cases disagree, the
// worst one names the submission.
var severity = map[model.Verdict]int{
	model.VerdictCE:  0,
	model.VerdictRE:  1,
	model.VerdictTLE: 2,
	model.VerdictMLE: 3,
	model.VerdictWA:  4,
	model.VerdictAC:  5,
}

func worse(a, b model.Verdict) model.Verdict {
	if severity[a] <= severity[b] {
		return a
	}
	return b
}

// Aggregate folds per-case results into one JudgeResult. The overall
// verdict is the worst case verdict, passed counts accepted cases, and
// time/memory report the maximum observed across cases. Aggregate is
// deterministic for a given case slice.
func Aggregate(cases []model.CaseResult) model.JudgeResult {
	res := model.JudgeResult{
		Total:  len(cases),
		Status: model.VerdictAC,
		Cases:  cases,
	}
	for _, c := range cases {
		res.Status = worse(res.Status, c.Status)
		if c.Status == model.VerdictAC {
			res.Passed++
		}
		if c.TimeMs > res.TimeMs {
			res.TimeMs = c.TimeMs
		}
		if c.MemoryKB > res.MemoryKB {
			res.MemoryKB = c.MemoryKB
		}
	}
	return res
}

// AggregateCompileFailure builds the result for a submission that never
// produced a runnable binary. No cases execute and none pass.
func AggregateCompileFailure(total int, compileLog string) model.JudgeResult {
	return model.JudgeResult{
		Total:      total,
		Passed:     0,
		Status:     model.VerdictCE,
		CompileLog: compileLog,
	}
}
