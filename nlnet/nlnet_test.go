package nlnet_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/loss"
	"github.com/sugarme/nlseg/nlnet"
)

func newConfig(t *testing.T, backbone, phase, lossType string) *config.Config {
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
phase: %s
data:
  num_classes: 19
network:
  backbone: %s
  pretrained: false
  norm_type: batchnorm
nonlocal:
  downsample: true
  whiten_type: [channel]
  weight_init_scale: 1.0
  with_gc: false
  with_nl: true
  nowd: [nl]
  use_out: false
  out_bn: false
loss:
  loss_type: %s
  loss_weights:
    ce: {ce_loss: 1.0}
    dsnce: {dsn_ce_loss: 0.4, ce_loss: 1.0}
    ohem: {dsn_ce_loss: 0.4, ohem_ce_loss: 1.0}
    bad: {ce_loss: 1.0, boundary_loss: 1.0}
`, phase, backbone, lossType)))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestOutputSize(t *testing.T) {
	for _, name := range []string{"base", "dilated-8", "dilated-16", "fpn"} {
		vs := nn.NewVarStore(gotch.CPU)
		net, err := nlnet.New(context.Background(), vs, newConfig(t, name, "test", "dsnce"), nil)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}

		img := ts.MustRand([]int64{1, 3, 512, 512}, gotch.Float, gotch.CPU)
		var (
			out    *nlnet.Output
			fwdErr error
		)
		ts.NoGrad(func() {
			out, fwdErr = net.Forward(nlnet.Batch{Img: img}, false)
		})
		if fwdErr != nil {
			t.Fatalf("%s: %v", name, fwdErr)
		}

		want := []int64{1, 19, 512, 512}
		if got := out.Out.MustSize(); !reflect.DeepEqual(got, want) {
			t.Errorf("%s main: want %v, got %v", name, want, got)
		}
		if got := out.DSN.MustSize(); !reflect.DeepEqual(got, want) {
			t.Errorf("%s dsn: want %v, got %v", name, want, got)
		}
		if out.Loss != nil {
			t.Errorf("%s: test phase returned a loss request", name)
		}
		img.MustDrop()
		out.MustDrop()
	}
}

func TestLossRequestGating(t *testing.T) {
	tests := []struct {
		lossType string
		want     []string
	}{
		{"ce", []string{"ce_loss"}},
		{"dsnce", []string{"ce_loss", "dsn_ce_loss"}},
		{"ohem", []string{"dsn_ce_loss", "ohem_ce_loss"}},
	}

	for _, tt := range tests {
		vs := nn.NewVarStore(gotch.CPU)
		net, err := nlnet.New(context.Background(), vs, newConfig(t, "dilated-16", "train", tt.lossType), nil)
		if err != nil {
			t.Fatal(err)
		}

		img := ts.MustRand([]int64{2, 3, 64, 64}, gotch.Float, gotch.CPU)
		label := ts.MustZeros([]int64{2, 64, 64}, gotch.Int64, gotch.CPU)
		out, err := net.Forward(nlnet.Batch{Img: img, Labelmap: label}, true)
		if err != nil {
			t.Fatal(err)
		}
		if got := out.Loss.Names(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: want %v, got %v", tt.lossType, tt.want, got)
		}
		if e, ok := out.Loss["dsn_ce_loss"]; ok && e.Pred != out.DSN {
			t.Errorf("%s: dsn_ce_loss not paired with the auxiliary output", tt.lossType)
		}

		total, err := loss.NewDispatcher(loss.DefaultParams()).Total(out.Loss)
		if err != nil {
			t.Fatal(err)
		}
		total.MustBackward()
		total.MustDrop()

		img.MustDrop()
		label.MustDrop()
		out.MustDrop()
	}
}

func TestConstructionErrors(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	if _, err := nlnet.New(context.Background(), vs, newConfig(t, "dilated-8", "train", "bad"), nil); !errors.Is(err, loss.ErrUnknownLossKind) {
		t.Errorf("unknown loss: want ErrUnknownLossKind, got %v", err)
	}

	vs = nn.NewVarStore(gotch.CPU)
	if _, err := nlnet.New(context.Background(), vs, newConfig(t, "dilated-8", "serve", "ce"), nil); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("bad phase: want ErrConfiguration, got %v", err)
	}

	vs = nn.NewVarStore(gotch.CPU)
	if _, err := nlnet.New(context.Background(), vs, newConfig(t, "hrnet", "test", "ce"), nil); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("bad backbone: want ErrConfiguration, got %v", err)
	}

	vs = nn.NewVarStore(gotch.CPU)
	net, err := nlnet.New(context.Background(), vs, newConfig(t, "dilated-8", "train", "ce"), nil)
	if err != nil {
		t.Fatal(err)
	}
	img := ts.MustRand([]int64{1, 3, 32, 32}, gotch.Float, gotch.CPU)
	if _, err := net.Forward(nlnet.Batch{Img: img}, true); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("missing labelmap: want ErrConfiguration, got %v", err)
	}
	img.MustDrop()

	want := []string{"nlm.ctb.conv_query.", "nlm.ctb.conv_key.", "nlm.ctb.gamma"}
	if got := net.NoDecayPrefixes(); !reflect.DeepEqual(got, want) {
		t.Errorf("no decay: want %v, got %v", want, got)
	}
}

func TestFuseNetwork(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := nlnet.New(context.Background(), vs, newConfig(t, "dilated-8", "test", "ce"), nil)
	if err != nil {
		t.Fatal(err)
	}

	img := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
	var before, after *nlnet.Output
	ts.NoGrad(func() {
		before, _ = net.Forward(nlnet.Batch{Img: img}, false)
	})

	n, err := net.Fuse()
	if err != nil {
		t.Fatal(err)
	}
	// 51 backbone pairs, dsn, conva, convb and the bottleneck.
	if n != 55 {
		t.Errorf("want 55 fused pairs, got %d", n)
	}

	ts.NoGrad(func() {
		after, _ = net.Forward(nlnet.Batch{Img: img}, false)
	})
	diff := after.Out.MustSub(before.Out, false).MustAbs(true).MustMax(true)
	if v := diff.Float64Values()[0]; v > 1e-3 {
		t.Errorf("fused output deviates by %v", v)
	}
	diff.MustDrop()
	img.MustDrop()
	before.MustDrop()
	after.MustDrop()
}
