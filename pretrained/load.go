package pretrained

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ErrWeightLoad is returned (wrapped) when pretrained parameters cannot be
// read or do not match the constructed topology.
var ErrWeightLoad = errors.New("weight load error")

// Load copies the tensors of a weight file into the variables of vs.
//
// Variables named "<prefix>.<scope>.X" are filled from the file entry
// "<scope>.X". Every such variable must be present in the file with the same
// shape; entries of the file outside the scope (e.g. a classifier) are ignored.
func Load(vs *nn.VarStore, prefix, scope, path string) (err error) {
	named, err := ts.LoadMulti(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWeightLoad, err)
	}
	file := make(map[string]*ts.Tensor, len(named))
	for _, nt := range named {
		file[nt.Name] = nt.Tensor
	}
	defer func() {
		for _, x := range file {
			x.MustDrop()
		}
	}()

	varPrefix := scope + "."
	if prefix != "" {
		varPrefix = prefix + "." + scope + "."
	}

	var names []string
	for name := range vs.Vars.NamedVariables {
		if strings.HasPrefix(name, varPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("%w: no variable under %q", ErrWeightLoad, strings.TrimSuffix(varPrefix, "."))
	}

	var missing []string
	for _, name := range names {
		key := fileKey(prefix, name)
		src, ok := file[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		dst := vs.Vars.NamedVariables[name]
		if want, got := dst.MustSize(), src.MustSize(); !reflect.DeepEqual(want, got) {
			return fmt.Errorf("%w: %s: expected shape %v, got %v", ErrWeightLoad, key, want, got)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %d tensors missing from %s, first %q", ErrWeightLoad, len(missing), path, missing[0])
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWeightLoad, r)
		}
	}()
	ts.NoGrad(func() {
		for _, name := range names {
			vs.Vars.NamedVariables[name].Copy_(file[fileKey(prefix, name)])
		}
	})
	log.Infof("pretrained: loaded %d tensors from %s", len(names), path)

	return nil
}

func fileKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, prefix+".")
}
