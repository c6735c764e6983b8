package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/loss"
	"github.com/sugarme/nlseg/metric"
	"github.com/sugarme/nlseg/nlnet"
)

// doValidate scores net on the val split and returns mIoU and pixel
// accuracy.
func doValidate(cfg *config.Config, net *nlnet.Network) (miou, acc float64) {
	batchSize, err := cfg.IntOr(1, "val.batch_size")
	if err != nil {
		log.Fatal(err)
	}
	params, err := loss.ParamsFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}

	valDS, valDL := newDataLoader(cfg, "val", batchSize, false)
	defer valDS.Close()

	cm := metric.NewConfusionMatrix(int(net.NumClasses()), params.IgnoreIndex)
	for valDL.HasNext() {
		b := nextBatch(valDL)

		var out *nlnet.Output
		ts.NoGrad(func() {
			out, err = net.Forward(nlnet.Batch{Img: b.Img, Labelmap: b.Labelmap}, false)
		})
		if err != nil {
			log.Fatal(err)
		}
		if err := cm.UpdateTensor(out.Out, b.Labelmap); err != nil {
			log.Fatal(err)
		}

		out.MustDrop()
		b.MustDrop()
	}

	for i, v := range cm.ClassIoU() {
		log.Debugf("class %02d IoU %6.4f", i, v)
	}
	return cm.MeanIoU(), cm.PixelAccuracy()
}

func runTest(cfg *config.Config) {
	if ModelPath == "" {
		log.Fatal("test task needs a -model checkpoint")
	}
	cfg.Set("network.pretrained", false)

	vs := nn.NewVarStore(Device)
	net, err := nlnet.New(context.Background(), vs, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	loadWeights(vs, ModelPath)

	miou, acc := doValidate(cfg, net)
	log.Infof("val mIoU: %6.4f\t pixel acc: %6.4f", miou, acc)
}
