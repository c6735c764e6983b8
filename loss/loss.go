// Package loss computes the weighted segmentation losses requested by a
// network forward pass.
package loss

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
)

// ErrUnknownLossKind is returned (wrapped) for loss names the dispatcher
// cannot compute.
var ErrUnknownLossKind = errors.New("unknown loss kind")

// Kind is a loss function.
type Kind int

const (
	// CE is pixel-wise cross entropy.
	CE Kind = iota
	// OhemCE is cross entropy over hard pixels only.
	OhemCE
)

func (k Kind) String() string {
	switch k {
	case CE:
		return "ce_loss"
	case OhemCE:
		return "ohem_ce_loss"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Names of the loss request entries.
const (
	DSNCELoss  = "dsn_ce_loss"
	CELoss     = "ce_loss"
	OhemCELoss = "ohem_ce_loss"
)

var entryKinds = map[string]Kind{
	DSNCELoss:  CE,
	CELoss:     CE,
	OhemCELoss: OhemCE,
}

// EntryKind returns the loss function of a request entry name.
func EntryKind(name string) (Kind, error) {
	k, ok := entryKinds[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLossKind, name)
	}
	return k, nil
}

// Entry is a single weighted loss term.
type Entry struct {
	Pred   *ts.Tensor // [N C H W] logits
	Target *ts.Tensor // [N H W] int64 labels
	Kind   Kind
	Weight float64
}

// Request maps entry names to loss terms.
type Request map[string]Entry

// Names returns the entry names in a fixed order.
func (r Request) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Params configures the loss functions.
type Params struct {
	IgnoreIndex int64
	OhemThresh  float64
	OhemMinKept int64
}

// DefaultParams returns ignore label 255, threshold 0.7 and 100000 kept
// pixels.
func DefaultParams() Params {
	return Params{IgnoreIndex: 255, OhemThresh: 0.7, OhemMinKept: 100000}
}

// ParamsFromConfig reads loss.params.{ignore_index,ohem_thresh,ohem_minkeep}.
func ParamsFromConfig(cfg *config.Config) (Params, error) {
	p := DefaultParams()
	ignore, err := cfg.IntOr(int(p.IgnoreIndex), "loss.params.ignore_index")
	if err != nil {
		return p, err
	}
	p.IgnoreIndex = int64(ignore)
	if p.OhemThresh, err = cfg.FloatOr(p.OhemThresh, "loss.params.ohem_thresh"); err != nil {
		return p, err
	}
	minKept, err := cfg.IntOr(int(p.OhemMinKept), "loss.params.ohem_minkeep")
	if err != nil {
		return p, err
	}
	p.OhemMinKept = int64(minKept)
	return p, nil
}

// ValidWeights reads the active loss weight table: loss.loss_weights.<loss_type>.
// Every name must be a known entry.
func ValidWeights(cfg *config.Config) (map[string]float64, error) {
	lossType, err := cfg.String("loss.loss_type")
	if err != nil {
		return nil, err
	}
	weights, err := cfg.FloatMap("loss.loss_weights", lossType)
	if err != nil {
		return nil, err
	}
	for name := range weights {
		if _, err := EntryKind(name); err != nil {
			return nil, err
		}
	}
	return weights, nil
}

// Dispatcher computes loss entries.
type Dispatcher struct {
	params Params
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{params: p}
}

// Compute returns the weighted scalar loss of e.
func (d *Dispatcher) Compute(e Entry) (*ts.Tensor, error) {
	var l *ts.Tensor
	switch e.Kind {
	case CE:
		l = d.crossEntropy(e.Pred, e.Target)
	case OhemCE:
		l = d.ohemCrossEntropy(e.Pred, e.Target)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownLossKind, e.Kind)
	}
	return l.MustMul1(ts.FloatScalar(e.Weight), true), nil
}

// Total sums every entry of r.
func (d *Dispatcher) Total(r Request) (*ts.Tensor, error) {
	if len(r) == 0 {
		return nil, fmt.Errorf("%w: empty loss request", config.ErrConfiguration)
	}
	var total *ts.Tensor
	for _, name := range r.Names() {
		l, err := d.Compute(r[name])
		if err != nil {
			if total != nil {
				total.MustDrop()
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if total == nil {
			total = l
			continue
		}
		total = total.MustAdd(l, true)
		l.MustDrop()
	}
	return total, nil
}

// pixelLoss returns the unreduced negative log-likelihood [N H W]. Ignored
// pixels have zero loss.
func (d *Dispatcher) pixelLoss(pred, target *ts.Tensor) *ts.Tensor {
	logp := pred.MustLogSoftmax(1, gotch.Float, false)
	weight := ts.NewTensor()
	l := logp.MustNllLoss2d(target, weight, 0, d.params.IgnoreIndex, true)
	weight.MustDrop()
	return l
}

func (d *Dispatcher) crossEntropy(pred, target *ts.Tensor) *ts.Tensor {
	logp := pred.MustLogSoftmax(1, gotch.Float, false)
	weight := ts.NewTensor()
	l := logp.MustNllLoss2d(target, weight, 1, d.params.IgnoreIndex, true)
	weight.MustDrop()
	return l
}

// ohemCrossEntropy averages the loss of pixels whose target probability is
// at most max(thresh, p_k), p_k being the k-th smallest target probability
// among labelled pixels with k = OhemMinKept.
func (d *Dispatcher) ohemCrossEntropy(pred, target *ts.Tensor) *ts.Tensor {
	pixel := d.pixelLoss(pred, target)
	valid := target.MustNe(ts.IntScalar(d.params.IgnoreIndex), false)

	// target probabilities of labelled pixels
	prob := pixel.MustNeg(false).MustExp(true)
	validProb := prob.MustMaskedSelect(valid, false)
	threshold := OhemThreshold(validProb, d.params.OhemThresh, d.params.OhemMinKept)
	validProb.MustDrop()

	hard := prob.MustLe(ts.FloatScalar(threshold), true)
	keep := hard.MustLogicalAnd(valid, true)
	valid.MustDrop()
	selected := pixel.MustMaskedSelect(keep, true)
	keep.MustDrop()

	if selected.MustSize()[0] == 0 {
		selected.MustDrop()
		// keeps the graph connected to pred
		return pred.MustSum(gotch.Float, false).MustMul1(ts.FloatScalar(0), true)
	}
	return selected.MustMean(gotch.Float, true)
}

// OhemThreshold returns max(thresh, p_k) where p_k is the k-th smallest
// value of the 1-D probs tensor (k clamped to the last one). The selection
// runs on the tensor's device; only p_k is read back. With an empty probs it
// returns thresh. probs is not dropped.
func OhemThreshold(probs *ts.Tensor, thresh float64, minKept int64) float64 {
	n := probs.MustSize()[0]
	if n == 0 {
		return thresh
	}
	k := minKept
	if k > n-1 {
		k = n - 1
	}
	if k < 0 {
		k = 0
	}

	// kthvalue counts from 1
	kth, idx := probs.MustKthvalue(k+1, 0, false, false)
	idx.MustDrop()
	pk := kth.Float64Values()[0]
	kth.MustDrop()

	if pk > thresh {
		return pk
	}
	return thresh
}
