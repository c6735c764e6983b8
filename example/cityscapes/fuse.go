package main

import (
	"context"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/nlnet"
)

// runFuse folds batch norms of a checkpoint, reports the largest output
// change on a random input and saves the fused weights next to -output.
func runFuse(cfg *config.Config) {
	if ModelPath == "" {
		log.Fatal("fuse task needs a -model checkpoint")
	}
	cfg.Set("network.pretrained", false)

	vs := nn.NewVarStore(Device)
	net, err := nlnet.New(context.Background(), vs, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	loadWeights(vs, ModelPath)

	x := ts.MustRand([]int64{1, 3, 512, 512}, gotch.Float, Device)
	defer x.MustDrop()

	before := forwardEval(net, x)
	n, err := net.Fuse()
	if err != nil {
		log.Fatal(err)
	}
	after := forwardEval(net, x)

	dev := after.MustSub(before, false).MustAbs(true).MustMax(true)
	log.Infof("fused %d conv/bn pairs, max output deviation %g", n, dev.Float64Values()[0])
	dev.MustDrop()
	before.MustDrop()
	after.MustDrop()

	base := strings.TrimSuffix(filepath.Base(ModelPath), filepath.Ext(ModelPath))
	fused := filepath.Join(OutDir, base+"-fused.gt")
	if err := vs.Save(fused); err != nil {
		log.Fatal(err)
	}
	log.Infof("fused weights saved to %s", fused)
}

func forwardEval(net *nlnet.Network, x *ts.Tensor) *ts.Tensor {
	var (
		out *nlnet.Output
		err error
	)
	ts.NoGrad(func() {
		out, err = net.Forward(nlnet.Batch{Img: x}, false)
	})
	if err != nil {
		log.Fatal(err)
	}
	out.DSN.MustDrop()
	return out.Out
}

// runCheckModel builds the configured network and runs a single forward
// pass.
func runCheckModel(cfg *config.Config) {
	vs := nn.NewVarStore(Device)
	net, err := nlnet.New(context.Background(), vs, cfg, newStore(cfg))
	if err != nil {
		log.Fatal(err)
	}
	loadWeights(vs, ModelPath)

	x := ts.MustRand([]int64{1, 3, 512, 512}, gotch.Float, Device)
	out := forwardEval(net, x)
	log.Infof("input %v -> output %v, %d conv/bn trees", x.MustSize(), out.MustSize(), len(net.Trees()))
	x.MustDrop()
	out.MustDrop()
}
