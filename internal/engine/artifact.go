package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/errs"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/kvcache"
	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/metrics"
	"github.com/23skdu/longbow-glm/internal/model"
	"github.com/23skdu/longbow-glm/internal/tensor"
)

// PlanFile is the compiled graph plan inside an artifact directory.
const PlanFile = "graph.plan"

// Artifact is a loaded engine: descriptor, model and the verified plan.
type Artifact struct {
	Dir        string
	Descriptor *config.EngineDescriptor
	Model      *model.Model
	Plan       *graph.Plan
}

// SaveArtifact traces m and writes its descriptor, one weights file per
// tensor-parallel rank and the compiled plan into dir.
func SaveArtifact(ctx context.Context, dir string, m *model.Model) error {
	log := logger.Log.With("artifact")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	plan, err := m.Trace(ctx)
	if err != nil {
		return err
	}

	desc := config.NewDescriptor(m.Spec, m.Limits())
	if err := desc.Save(filepath.Join(dir, config.DescriptorFile)); err != nil {
		return err
	}
	var total int64
	for r := 0; r < m.Spec.TensorParallel; r++ {
		n, err := writeRankWeights(filepath.Join(dir, rankWeightsFile(r)), model.RankTensors(&m.Spec, m.Weights, r))
		if err != nil {
			return err
		}
		total += n
	}

	f, err := os.Create(filepath.Join(dir, PlanFile))
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	defer f.Close()
	if err := plan.Encode(f); err != nil {
		return err
	}

	log.Info("Saved engine",
		"dir", dir,
		"model", m.Spec.ModelID.String(),
		"ranks", m.Spec.TensorParallel,
		"nodes", len(plan.Nodes),
		"weights", humanize.Bytes(uint64(total)))
	return nil
}

// LoadArtifact reads the engine in dir for a runtime of worldSize ranks. The
// stored plan must match the graph the loaded model declares.
func LoadArtifact(ctx context.Context, dir string, backend graph.Backend, worldSize int) (*Artifact, error) {
	const op = "engine.LoadArtifact"
	start := time.Now()
	log := logger.Log.With("artifact")

	desc, err := config.LoadDescriptor(filepath.Join(dir, config.DescriptorFile))
	if err != nil {
		return nil, err
	}
	if err := desc.CheckWorldSize(worldSize); err != nil {
		return nil, err
	}
	spec, err := desc.ToSpec()
	if err != nil {
		return nil, err
	}

	shards, err := loadShards(dir, spec.TensorParallel)
	if err != nil {
		return nil, err
	}
	weights, err := model.MergeRanks(&spec, shards)
	if err != nil {
		return nil, err
	}
	m, err := model.New(graph.NewBuilder(backend), spec, desc.Limits(), weights)
	if err != nil {
		return nil, err
	}

	pf, err := os.Open(filepath.Join(dir, PlanFile))
	if err != nil {
		return nil, errs.Configf(op, "open plan: %v", err)
	}
	defer pf.Close()
	stored, err := graph.DecodePlan(pf)
	if err != nil {
		return nil, err
	}
	traced, err := m.Trace(ctx)
	if err != nil {
		return nil, err
	}
	if err := stored.Verify(traced); err != nil {
		return nil, err
	}

	bytes := weights.Bytes(&spec)
	metrics.RecordArtifactLoad(time.Since(start), bytes)
	log.Info("Loaded engine",
		"dir", dir,
		"model", spec.ModelID.String(),
		"world_size", worldSize,
		"weights", humanize.Bytes(uint64(bytes)),
		"elapsed", time.Since(start).String())
	return &Artifact{Dir: dir, Descriptor: desc, Model: m, Plan: stored}, nil
}

func loadShards(dir string, tp int) ([]map[string]*tensor.Buffer, error) {
	out := make([]map[string]*tensor.Buffer, tp)
	for r := range out {
		t, err := readRankWeights(filepath.Join(dir, rankWeightsFile(r)))
		if err != nil {
			return nil, err
		}
		out[r] = t
	}
	return out, nil
}

// SessionOptions configures the cache and generator of a Session.
type SessionOptions struct {
	// MaxKVCacheLen overrides the per-sequence capacity; 0 derives it from
	// the engine limits.
	MaxKVCacheLen int
	// PoolBlocks sizes the paged pool; 0 reserves enough blocks for a full
	// batch at the maximum cache length.
	PoolBlocks int
	OnToken    func(TokenEvent)
	OnStep     func(StepEvent)
	Publisher  ResultPublisher
}

// Session binds a loaded engine to a kv cache and a generator.
type Session struct {
	Artifact  *Artifact
	Cache     *kvcache.Manager
	Generator *Generator
}

func NewSession(a *Artifact, opts SessionOptions) (*Session, error) {
	m := a.Model
	layout := kvcache.Bounded
	if a.Descriptor.PluginConfig.PagedKVCache {
		layout = kvcache.Paged
	}
	pool := 0
	if layout == kvcache.Paged {
		pool = opts.PoolBlocks
		if pool == 0 {
			maxLen := m.Planner.MaxCacheLen()
			if opts.MaxKVCacheLen > 0 {
				maxLen = opts.MaxKVCacheLen
			}
			perSeq := (maxLen + m.Spec.TokensPerBlock - 1) / m.Spec.TokensPerBlock
			pool = m.Planner.MaxSequences() * perSeq
		}
	}
	cache, err := kvcache.NewManager(m.CacheOptions(pool))
	if err != nil {
		return nil, err
	}
	gen, err := NewGenerator(m, cache, Options{
		CacheLayout:   layout,
		MaxKVCacheLen: opts.MaxKVCacheLen,
		OnToken:       opts.OnToken,
		OnStep:        opts.OnStep,
		Publisher:     opts.Publisher,
	})
	if err != nil {
		return nil, err
	}
	return &Session{Artifact: a, Cache: cache, Generator: gen}, nil
}
