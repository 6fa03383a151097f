package metrics

import (
	"sort"
	"strconv"
)

// ModelStats is the per-model slice of an Aggregate.
type ModelStats struct {
	Model      string
	Iterations int
	Usage      Usage
	Cost       float64
}

// Aggregate summarizes a metrics log. It is derived data: build it with
// Summarize and never persist it.
type Aggregate struct {
	Iterations int
	Successes  int

	TotalDurationSeconds int
	MinDurationSeconds   int
	MaxDurationSeconds   int

	Usage Usage

	FilesChanged int

	// EstimatedCost is the list-price estimate across all records.
	EstimatedCost float64

	// Models is ordered by iteration count, busiest first.
	Models []ModelStats
}

// Summarize folds records into an Aggregate. Zero records produce the zero
// Aggregate.
func Summarize(records []Record) Aggregate {
	var agg Aggregate
	byModel := make(map[string]*ModelStats)

	for i, r := range records {
		agg.Iterations++
		if r.Success {
			agg.Successes++
		}

		agg.TotalDurationSeconds += r.DurationSeconds
		if i == 0 || r.DurationSeconds < agg.MinDurationSeconds {
			agg.MinDurationSeconds = r.DurationSeconds
		}
		if r.DurationSeconds > agg.MaxDurationSeconds {
			agg.MaxDurationSeconds = r.DurationSeconds
		}

		agg.Usage.add(r.Usage)
		agg.FilesChanged += r.FilesChanged

		cost := EstimateCost(r.Model, r.Usage)
		agg.EstimatedCost += cost

		ms, ok := byModel[r.Model]
		if !ok {
			ms = &ModelStats{Model: r.Model}
			byModel[r.Model] = ms
		}
		ms.Iterations++
		ms.Usage.add(r.Usage)
		ms.Cost += cost
	}

	for _, ms := range byModel {
		agg.Models = append(agg.Models, *ms)
	}
	sort.Slice(agg.Models, func(i, j int) bool {
		if agg.Models[i].Iterations != agg.Models[j].Iterations {
			return agg.Models[i].Iterations > agg.Models[j].Iterations
		}
		return agg.Models[i].Model < agg.Models[j].Model
	})

	return agg
}

// SuccessPercent returns the share of successful iterations in percent.
func (a Aggregate) SuccessPercent() float64 {
	if a.Iterations == 0 {
		return 0
	}
	return float64(a.Successes) * 100 / float64(a.Iterations)
}

// AvgDurationSeconds returns the mean iteration duration.
func (a Aggregate) AvgDurationSeconds() float64 {
	return a.avg(a.TotalDurationSeconds)
}

// AvgInputTokens returns the mean input tokens per iteration.
func (a Aggregate) AvgInputTokens() float64 {
	return a.avg(a.Usage.InputTokens)
}

// AvgOutputTokens returns the mean output tokens per iteration.
func (a Aggregate) AvgOutputTokens() float64 {
	return a.avg(a.Usage.OutputTokens)
}

// AvgTotalTokens returns the mean total tokens per iteration.
func (a Aggregate) AvgTotalTokens() float64 {
	return a.avg(a.Usage.TotalTokens)
}

// AvgFilesChanged returns the mean files changed per iteration.
func (a Aggregate) AvgFilesChanged() float64 {
	return a.avg(a.FilesChanged)
}

// HitRate returns the cache hit rate of the whole aggregate.
func (a Aggregate) HitRate() string {
	return HitRate(a.Usage.CacheReadTokens, a.Usage.InputTokens)
}

func (a Aggregate) avg(total int) float64 {
	if a.Iterations == 0 {
		return 0
	}
	return float64(total) / float64(a.Iterations)
}

// HitRate returns cacheRead/input as a truncated integer percentage, or
// "N/A" when input is zero.
func HitRate(cacheRead, input int) string {
	if input == 0 {
		return "N/A"
	}
	return strconv.FormatInt(int64(cacheRead)*100/int64(input), 10)
}
