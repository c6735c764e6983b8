package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/dataset"
	"github.com/sugarme/nlseg/dutil"
	"github.com/sugarme/nlseg/loss"
	"github.com/sugarme/nlseg/nlnet"
)

// solver holds the optimisation settings read from solver.*.
type solver struct {
	baseLR      float64
	power       float64
	momentum    float64
	weightDecay float64
	maxEpoch    int
}

func solverFromConfig(cfg *config.Config) (solver, error) {
	var (
		s   solver
		err error
	)
	if s.baseLR, err = cfg.FloatOr(0.01, "solver.lr.base_lr"); err != nil {
		return s, err
	}
	if s.power, err = cfg.FloatOr(0.9, "solver.lr.power"); err != nil {
		return s, err
	}
	if s.momentum, err = cfg.FloatOr(0.9, "solver.momentum"); err != nil {
		return s, err
	}
	if s.weightDecay, err = cfg.FloatOr(5e-4, "solver.weight_decay"); err != nil {
		return s, err
	}
	if s.maxEpoch, err = cfg.IntOr(100, "solver.max_epoch"); err != nil {
		return s, err
	}
	return s, nil
}

// polyLR decays the learning rate as base * (1 - iter/maxIter)^power.
func polyLR(base, power float64, iter, maxIter int) float64 {
	if maxIter <= 0 || iter >= maxIter {
		return 0
	}
	return base * math.Pow(1-float64(iter)/float64(maxIter), power)
}

// decayed lists the variables trained with weight decay.
func decayed(vs *nn.VarStore, noDecay []string) (names []string, vars []*ts.Tensor) {
	for name, v := range vs.Vars.NamedVariables {
		if !v.MustRequiresGrad() {
			continue
		}
		skip := false
		for _, p := range noDecay {
			if strings.HasPrefix(name, p) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		names = append(names, name)
		vars = append(vars, v)
	}
	return names, vars
}

// l2Penalty returns 0.5 * wd * sum(w^2) over vars. vars must not be empty.
func l2Penalty(vars []*ts.Tensor, wd float64) *ts.Tensor {
	var sum *ts.Tensor
	for _, v := range vars {
		sq := v.MustMul(v, false).MustSum(gotch.Float, true)
		if sum == nil {
			sum = sq
			continue
		}
		sum = sum.MustAdd(sq, true)
		sq.MustDrop()
	}
	return sum.MustMul1(ts.FloatScalar(0.5*wd), true)
}

func loadWeights(vs *nn.VarStore, fpath string) {
	if fpath == "" {
		return
	}
	if err := vs.Load(fpath); err != nil {
		log.Fatal(err)
	}
	log.Infof("loaded checkpoint %s", fpath)
}

func newDataLoader(cfg *config.Config, split string, batchSize int, shuffle bool) (*dataset.Loader, *dutil.DataLoader) {
	lc, err := dataset.LoaderConfigFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ds, err := dataset.NewLoader(DataPath, split, lc)
	if err != nil {
		log.Fatal(err)
	}
	s, err := dutil.NewBatchSampler(ds.Len(), batchSize, shuffle, shuffle)
	if err != nil {
		log.Fatal(err)
	}
	dl, err := dutil.NewDataLoader(ds, s)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("%s split: %d samples, %d batches", split, ds.Len(), dl.Len())
	return ds, dl
}

// nextBatch stacks the next loader batch onto the device.
func nextBatch(dl *dutil.DataLoader) *dataset.Batch {
	items, err := dl.Next()
	if err != nil {
		log.Fatal(err)
	}
	b, err := dataset.Stack(items.([]dataset.Record))
	if err != nil {
		log.Fatal(err)
	}
	b.Img = b.Img.MustTo(Device, true)
	b.Labelmap = b.Labelmap.MustTo(Device, true)
	return b
}

func runTrain(cfg *config.Config) {
	sv, err := solverFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
	batchSize, err := cfg.IntOr(8, "train.batch_size")
	if err != nil {
		log.Fatal(err)
	}
	params, err := loss.ParamsFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}

	vs := nn.NewVarStore(Device)
	net, err := nlnet.New(context.Background(), vs, cfg, newStore(cfg))
	if err != nil {
		log.Fatal(err)
	}
	loadWeights(vs, ModelPath)

	opt, err := nn.NewSGDConfig(sv.momentum, 0, 0, false).Build(vs, sv.baseLR)
	if err != nil {
		log.Fatal(err)
	}
	names, decayVars := decayed(vs, net.NoDecayPrefixes())
	log.Debugf("weight decay on %d variables: %v", len(names), names)

	trainDS, trainDL := newDataLoader(cfg, "train", batchSize, true)
	defer trainDS.Close()

	criterion := loss.NewDispatcher(params)
	history := NewHistory()
	maxIter := sv.maxEpoch * trainDL.Len()
	iter := 0

	if err := os.MkdirAll(OutDir, 0755); err != nil {
		log.Fatal(err)
	}

	for e := 0; e < sv.maxEpoch; e++ {
		start := time.Now()
		trainDL.Reset()
		var losses []float64

		for trainDL.HasNext() {
			lr := polyLR(sv.baseLR, sv.power, iter, maxIter)
			opt.SetLR(lr)
			iter++

			b := nextBatch(trainDL)
			out, err := net.Forward(nlnet.Batch{Img: b.Img, Labelmap: b.Labelmap}, true)
			if err != nil {
				log.Fatal(err)
			}
			total, err := criterion.Total(out.Loss)
			if err != nil {
				log.Fatal(err)
			}
			if sv.weightDecay > 0 && len(decayVars) > 0 {
				penalty := l2Penalty(decayVars, sv.weightDecay)
				total = total.MustAdd(penalty, true)
				penalty.MustDrop()
			}

			opt.BackwardStep(total)
			lossVal := total.Float64Values()[0]
			losses = append(losses, lossVal)
			log.Debugf("iter %d lr %.6f loss %.4f", iter, lr, lossVal)

			total.MustDrop()
			out.MustDrop()
			b.MustDrop()
		}

		tloss := avg(losses)
		miou, acc := doValidate(cfg, net)
		history.Add(e, tloss, miou, acc)
		log.Infof("Epoch %02d\t train loss: %6.4f\t mIoU: %6.4f\t pixel acc: %6.4f\t Taken time: %0.2fMin", e, tloss, miou, acc, time.Since(start).Minutes())

		weightFile := filepath.Join(OutDir, fmt.Sprintf("nlnet-epoch%03d.gt", e))
		if err := vs.Save(weightFile); err != nil {
			log.Fatal(err)
		}
	}

	if err := history.Save(OutDir); err != nil {
		log.Fatal(err)
	}
}

func avg(input []float64) float64 {
	if len(input) == 0 {
		return 0
	}
	var sum float64
	for _, v := range input {
		sum += v
	}
	return sum / float64(len(input))
}
