// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints names, rotates and inspects training checkpoints.
//
// The variables and parameters of a model's context.Context are serialized by the GoMLX
// checkpoints package. This package keeps them under a fixed layout, one GoMLX checkpoint
// directory per name:
//
//	<dir>/checkpoint            most recent save
//	<dir>/checkpoint_<epoch>    one per saved epoch, rotated with Keep
//	<dir>/model_best            best validation score so far
//	<dir>/model_best_<score>    same, tagged with its score; the previous one is removed
//
// The epoch, architecture tag, best score and learning rate are stored as context parameters
// under MetadataScope, so any GoMLX tool can read them.
//
// Example:
//
//	handler, err := checkpoints.Build(cfg.SaveModelPath).Keep(5).Done()
//	...
//	rec := &checkpoints.Record{Epoch: epoch + 1, Arch: model.Arch(), BestScore: best, ...}
//	if err := handler.Save(model.Context(), rec, isBest); err != nil { ... }
package checkpoints

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	gomlxcheckpoints "github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DirPermMode is the permission used when creating checkpoint directories.
	DirPermMode = 0755

	// LatestName is the checkpoint always holding the most recent save.
	LatestName = "checkpoint"

	// BestName is the checkpoint holding the best model so far.
	BestName = "model_best"

	// MetadataScope is the absolute scope of the context parameters describing the checkpoint.
	MetadataScope = context.RootScope + "checkpoint"

	// Metadata parameter keys, under MetadataScope.
	ParamEpoch        = "epoch"
	ParamArch         = "arch"
	ParamBestScore    = "best_score"
	ParamLearningRate = "learning_rate"
	ParamSavedAt      = "saved_at"

	stagingName = ".staging"
	tmpSuffix   = ".tmp"
)

var (
	epochDirRegex = regexp.MustCompile(`^checkpoint_(\d+)$`)
	bestDirRegex  = regexp.MustCompile(`^model_best_(\d+\.\d+)$`)
)

// Record is the metadata saved with each checkpoint.
type Record struct {
	// Epoch is the number of the next epoch to train: resuming from this record starts at Epoch.
	Epoch int

	// Arch is the model architecture tag.
	Arch string

	BestScore    float64
	LearningRate float64

	SavedAt time.Time
}

// setParams stores the record as parameters of ctx, under MetadataScope.
func (r *Record) setParams(ctx *context.Context) {
	meta := ctx.InAbsPath(MetadataScope)
	meta.SetParam(ParamEpoch, r.Epoch)
	meta.SetParam(ParamArch, r.Arch)
	meta.SetParam(ParamBestScore, r.BestScore)
	meta.SetParam(ParamLearningRate, r.LearningRate)
	meta.SetParam(ParamSavedAt, r.SavedAt.UTC().Format(time.RFC3339Nano))
}

// recordFromParams reads the record saved by setParams.
func recordFromParams(ctx *context.Context) (*Record, error) {
	meta := ctx.InAbsPath(MetadataScope)
	if _, found := meta.GetParam(ParamArch); !found {
		return nil, errors.Errorf("checkpoint has no %q parameter in scope %q", ParamArch, MetadataScope)
	}
	rec := &Record{}
	var savedAt string
	err := exceptions.TryCatch[error](func() {
		rec.Epoch = context.GetParamOr(meta, ParamEpoch, 0)
		rec.Arch = context.GetParamOr(meta, ParamArch, "")
		rec.BestScore = context.GetParamOr(meta, ParamBestScore, 0.0)
		rec.LearningRate = context.GetParamOr(meta, ParamLearningRate, 0.0)
		savedAt = context.GetParamOr(meta, ParamSavedAt, "")
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid checkpoint parameters in scope %q", MetadataScope)
	}
	if savedAt != "" {
		if rec.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return nil, errors.Wrapf(err, "invalid %q parameter", ParamSavedAt)
		}
	}
	return rec, nil
}

// Config for a Handler. Create it with Build, configure it and call Done.
type Config struct {
	err  error
	dir  string
	keep int
	now  func() time.Time
}

// Build a configuration for a checkpoints Handler saving to dir.
// The directory is created if it doesn't exist.
func Build(dir string) *Config {
	c := &Config{keep: -1, now: time.Now}
	c.dir = data.ReplaceTildeInDir(dir)
	if c.dir == "" {
		c.err = errors.New("directory for checkpoints not configured or empty")
		return c
	}
	fi, err := os.Stat(c.dir)
	if err != nil && !os.IsNotExist(err) {
		c.err = errors.Wrapf(err, "failed to os.Stat(%q)", c.dir)
		return c
	}
	if err == nil {
		if !fi.IsDir() {
			c.err = errors.Errorf("directory name %q exists but it's a normal file, not a directory", c.dir)
		}
		return c
	}
	if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
		c.err = errors.Wrapf(err, "trying to create dir %q", c.dir)
	}
	return c
}

// Keep configures how many numbered per-epoch checkpoints ("checkpoint_<epoch>") to keep.
// The default is -1, which keeps all of them.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithClock sets the clock used to time stamp the records. Used for testing.
func (c *Config) WithClock(now func() time.Time) *Config {
	c.now = now
	return c
}

// Done creates the Handler. It finds the previous scored best checkpoint, if one is present in the directory.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	h := &Handler{config: c}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints directory %q", c.dir)
	}
	var bestScore float64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches := bestDirRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		score, err := strconv.ParseFloat(matches[1], 64)
		if err != nil {
			continue
		}
		if h.previousBest == "" || score > bestScore {
			h.previousBest = filepath.Join(c.dir, entry.Name())
			bestScore = score
		}
	}
	if h.previousBest != "" {
		klog.V(1).Infof("%s: previous best checkpoint %q", h, h.previousBest)
	}
	return h, nil
}

// Handler saves checkpoints into a directory. Create it with Build.
//
// Every Save writes "checkpoint" and "checkpoint_<epoch>". If the record is the best so far,
// it is also published as "model_best" and "model_best_<score>", and the previous
// "model_best_<score>" is removed.
//
// A Handler serializes one context.Context: the first one given to Save.
type Handler struct {
	config       *Config
	previousBest string

	ctx   *context.Context
	stage *gomlxcheckpoints.Handler
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory of the checkpoints.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LatestPath returns the path of the most recent checkpoint.
func (h *Handler) LatestPath() string { return filepath.Join(h.config.dir, LatestName) }

// BestPath returns the path of the best checkpoint.
func (h *Handler) BestPath() string { return filepath.Join(h.config.dir, BestName) }

// PreviousBest returns the path of the current "model_best_<score>" checkpoint, or "" if none was saved.
func (h *Handler) PreviousBest() string { return h.previousBest }

// EpochPath returns the path of the numbered checkpoint of the given epoch.
func (h *Handler) EpochPath(epoch int) string {
	return filepath.Join(h.config.dir, fmt.Sprintf("checkpoint_%d", epoch))
}

// ScoredBestPath returns the path of the best checkpoint tagged with its score.
func (h *Handler) ScoredBestPath(score float64) string {
	return filepath.Join(h.config.dir, fmt.Sprintf("model_best_%.4f", score))
}

// stageFor returns the GoMLX handler writing ctx into the private staging directory.
// The staging directory is emptied first, so nothing stale is loaded back into ctx.
func (h *Handler) stageFor(ctx *context.Context) (*gomlxcheckpoints.Handler, error) {
	if h.stage != nil {
		if ctx != h.ctx {
			return nil, errors.Errorf("%s already saves another context", h)
		}
		return h.stage, nil
	}
	stageDir := filepath.Join(h.config.dir, stagingName)
	if err := os.RemoveAll(stageDir); err != nil {
		return nil, errors.Wrapf(err, "%s failed to clean %q", h, stageDir)
	}
	var stage *gomlxcheckpoints.Handler
	err := exceptions.TryCatch[error](func() {
		var err error
		stage, err = gomlxcheckpoints.Build(ctx).Dir(stageDir).Keep(1).Done()
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to create checkpoints handler", h)
	}
	h.ctx, h.stage = ctx, stage
	return stage, nil
}

// Save writes the variables and parameters of ctx, along with the record. If isBest, the best
// checkpoints are rotated.
func (h *Handler) Save(ctx *context.Context, rec *Record, isBest bool) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = h.config.now()
	}
	stage, err := h.stageFor(ctx)
	if err != nil {
		return err
	}
	rec.setParams(ctx)
	err = exceptions.TryCatch[error](func() {
		if err := stage.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "%s failed to save", h)
	}
	latest := h.LatestPath()
	if err := publish(stage.Dir(), latest); err != nil {
		return errors.WithMessagef(err, "%s failed to save", h)
	}
	if err := publish(latest, h.EpochPath(rec.Epoch)); err != nil {
		return errors.WithMessagef(err, "%s failed to save", h)
	}
	klog.V(1).Infof("saved checkpoint %q (epoch %d)", latest, rec.Epoch)
	if err := h.keepEpochCheckpoints(); err != nil {
		return err
	}
	if !isBest {
		return nil
	}

	if err := publish(latest, h.BestPath()); err != nil {
		return errors.WithMessagef(err, "%s failed to save best model", h)
	}
	if h.previousBest != "" {
		if err := os.RemoveAll(h.previousBest); err != nil {
			return errors.Wrapf(err, "%s failed to remove previous best model %q", h, h.previousBest)
		}
	}
	scored := h.ScoredBestPath(rec.BestScore)
	if err := publish(latest, scored); err != nil {
		return errors.WithMessagef(err, "%s failed to save best model", h)
	}
	h.previousBest = scored
	klog.Infof("saved best model %q", scored)
	return nil
}

// Epochs lists the epochs of the numbered checkpoints in the directory, in increasing order.
func (h *Handler) Epochs() ([]int, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed to list directory", h)
	}
	var epochs []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches := epochDirRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		epoch, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	slices.Sort(epochs)
	return epochs, nil
}

// keepEpochCheckpoints removes the oldest numbered checkpoints beyond the configured number to keep.
func (h *Handler) keepEpochCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	epochs, err := h.Epochs()
	if err != nil {
		return err
	}
	if len(epochs) <= h.config.keep {
		return nil
	}
	for _, epoch := range epochs[:len(epochs)-h.config.keep] {
		path := h.EpochPath(epoch)
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint %q", h, path)
		}
	}
	return nil
}

// publish replaces the checkpoint directory dst with a copy of the files in src.
// The copy is written to a temporary directory first, and renamed into place.
func publish(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", src)
	}
	tmp := dst + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return errors.Wrapf(err, "failed to remove %q", tmp)
	}
	if err := os.MkdirAll(tmp, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create %q", tmp)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(tmp, entry.Name())); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "failed to remove %q", dst)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmp, dst)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", dst)
}

// Best tracks the best validation score seen. The zero value starts at 0.
type Best struct {
	score float64
}

// NewBest returns a tracker starting at the given score, usually restored from a checkpoint.
func NewBest(score float64) *Best { return &Best{score: score} }

// Observe a new score and returns whether it is strictly better than all previous ones.
func (b *Best) Observe(score float64) bool {
	if score > b.score {
		b.score = score
		return true
	}
	return false
}

// Score returns the best score so far.
func (b *Best) Score() float64 { return b.score }

// Checkpoint is a checkpoint read into its own context, not attached to any model.
type Checkpoint struct {
	*Record

	// Path of the checkpoint directory.
	Path string

	// Context holds the variables and parameters read.
	Context *context.Context
}

// IsCheckpoint returns whether path is a checkpoint directory, as opposed to a directory of checkpoints.
func IsCheckpoint(path string) (bool, error) {
	path = data.ReplaceTildeInDir(path)
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to list %q", path)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			return true, nil
		}
	}
	return false, nil
}

// Read the checkpoint at path, a directory like the ones written by Handler.Save.
func Read(path string) (*Checkpoint, error) {
	path = data.ReplaceTildeInDir(path)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("checkpoint %q is not a directory", path)
	}
	if ok, err := IsCheckpoint(path); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Errorf("no checkpoint found in %q", path)
	}
	ctx := context.New().Checked(false)
	err = exceptions.TryCatch[error](func() {
		if _, err := gomlxcheckpoints.Build(ctx).Dir(path).Immediate().Done(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read checkpoint %q", path)
	}
	rec, err := recordFromParams(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	return &Checkpoint{Record: rec, Path: path, Context: ctx}, nil
}

// Variables returns the variables under the absolute scope, sorted by scope and name.
// Use context.RootScope for all variables.
func (c *Checkpoint) Variables(scope string) []*context.Variable {
	var vars []*context.Variable
	c.Context.EnumerateVariables(func(v *context.Variable) {
		if inScope(v.Scope(), scope) {
			vars = append(vars, v)
		}
	})
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(VariableKey(a), VariableKey(b))
	})
	return vars
}

// NumParams returns the number of elements of the trainable variables.
func (c *Checkpoint) NumParams() int {
	var n int
	c.Context.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			n += v.Shape().Size()
		}
	})
	return n
}

// CopyTo copies the variables under the absolute scope into ctx, at the same scope and name.
// Existing variables must have the same shape, missing ones are created.
// It returns the number of variables copied.
func (c *Checkpoint) CopyTo(ctx *context.Context, scope string) (int, error) {
	vars := c.Variables(scope)
	err := exceptions.TryCatch[error](func() {
		for _, v := range vars {
			value := v.Value()
			if dst := ctx.GetVariableByScopeAndName(v.Scope(), v.Name()); dst != nil {
				if !dst.Shape().Equal(value.Shape()) {
					exceptions.Panicf("variable %s has shape %s, checkpoint %q has %s",
						VariableKey(v), dst.Shape(), c.Path, value.Shape())
				}
				dst.SetValue(value)
				continue
			}
			ctx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), value).SetTrainable(v.Trainable)
		}
	})
	if err != nil {
		return 0, err
	}
	return len(vars), nil
}

// LoadInto copies all the variables of the checkpoint into ctx.
func (c *Checkpoint) LoadInto(ctx *context.Context) error {
	_, err := c.CopyTo(ctx, context.RootScope)
	return errors.WithMessagef(err, "failed to load checkpoint %q", c.Path)
}

// Load reads the checkpoint at path and loads its variables into ctx. It returns the record saved with it.
func Load(ctx *context.Context, path string) (*Record, error) {
	c, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := c.LoadInto(ctx); err != nil {
		return nil, err
	}
	return c.Record, nil
}

func inScope(varScope, scope string) bool {
	if scope == context.RootScope {
		return true
	}
	scope = strings.TrimSuffix(scope, context.ScopeSeparator)
	return varScope == scope || strings.HasPrefix(varScope, scope+context.ScopeSeparator)
}

// VariableKey returns the absolute scope and name of v, like "/color/000_conv/weights".
func VariableKey(v *context.Variable) string {
	if v.Scope() == context.RootScope {
		return v.Scope() + v.Name()
	}
	return v.Scope() + context.ScopeSeparator + v.Name()
}

// Kind of checkpoint.
type Kind int

const (
	KindLatest Kind = iota
	KindEpoch
	KindBest
	KindScoredBest
	KindOther
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindLatest:
		return "latest"
	case KindEpoch:
		return "epoch"
	case KindBest:
		return "best"
	case KindScoredBest:
		return "scored_best"
	default:
		return "other"
	}
}

func kindOf(name string) Kind {
	switch {
	case name == LatestName:
		return KindLatest
	case name == BestName:
		return KindBest
	case epochDirRegex.MatchString(name):
		return KindEpoch
	case bestDirRegex.MatchString(name):
		return KindScoredBest
	default:
		return KindOther
	}
}

// Info describes a checkpoint, without its variables.
type Info struct {
	Path      string
	Kind      Kind
	Size      int64
	ModTime   time.Time
	Epoch     int
	Arch      string
	BestScore float64

	LearningRate float64
	NumVariables int

	// NumParams is the number of elements of the trainable variables.
	NumParams int
}

// List the checkpoints in dir, sorted by kind and epoch.
func List(dir string) ([]*Info, error) {
	dir = data.ReplaceTildeInDir(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints directory %q", dir)
	}
	var infos []*Info
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == stagingName || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		path := filepath.Join(dir, name)
		c, err := Read(path)
		if err != nil {
			klog.Warningf("skipping %q: %v", path, err)
			continue
		}
		info := &Info{
			Path:         path,
			Kind:         kindOf(name),
			Epoch:        c.Epoch,
			Arch:         c.Arch,
			BestScore:    c.BestScore,
			LearningRate: c.LearningRate,
			NumVariables: len(c.Variables(context.RootScope)),
			NumParams:    c.NumParams(),
		}
		files, err := os.ReadDir(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %q", path)
		}
		for _, file := range files {
			fi, err := file.Info()
			if err != nil {
				return nil, errors.Wrapf(err, "failed to stat %q", filepath.Join(path, file.Name()))
			}
			info.Size += fi.Size()
			if fi.ModTime().After(info.ModTime) {
				info.ModTime = fi.ModTime()
			}
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b *Info) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		if a.Epoch != b.Epoch {
			return a.Epoch - b.Epoch
		}
		return strings.Compare(a.Path, b.Path)
	})
	return infos, nil
}
