package pipeline

import "time"

type Stage string

const (
	StageResolve     Stage = "resolve"
	StageProbe       Stage = "probe"
	StageMaterialize Stage = "materialize"
	StagePublish     Stage = "publish"
	StageFinalize    Stage = "finalize"
)

// Progress checkpoints written after each stage.
const (
	ProgressResolved     = 10
	ProgressProbed       = 30
	ProgressMaterialized = 70
	ProgressPublished    = 90
	ProgressFinalized    = 100
)

var stageOrder = []Stage{StageResolve, StageProbe, StageMaterialize, StagePublish, StageFinalize}

// Progress returns the checkpoint value a stage records on success.
func (s Stage) Progress() int {
	switch s {
	case StageResolve:
		return ProgressResolved
	case StageProbe:
		return ProgressProbed
	case StageMaterialize:
		return ProgressMaterialized
	case StagePublish:
		return ProgressPublished
	case StageFinalize:
		return ProgressFinalized
	default:
		return 0
	}
}

// Stages lists the pipeline in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

type Timeouts struct {
	Probe       time.Duration
	Materialize time.Duration
	Publish     time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Probe:       60 * time.Second,
		Materialize: 300 * time.Second,
		Publish:     180 * time.Second,
	}
}

func (t Timeouts) normalize() Timeouts {
	d := DefaultTimeouts()
	if t.Probe <= 0 {
		t.Probe = d.Probe
	}
	if t.Materialize <= 0 {
		t.Materialize = d.Materialize
	}
	if t.Publish <= 0 {
		t.Publish = d.Publish
	}
	return t
}
