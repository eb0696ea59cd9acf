package transfer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/progress"
	"datastash/internal/state"
	"datastash/internal/tree"
	"datastash/internal/util"
)

// Options control a transfer run.
type Options struct {
	// Jobs bounds per-object concurrency; <= 0 means one per CPU.
	Jobs int
	// Hardlink lets the destination hardlink instead of copying when
	// both databases share a local filesystem.
	Hardlink bool
	// Validate inspects the comparison before any byte moves. Returning
	// an error aborts the transfer.
	Validate func(CompareResult) error
	// Callback observes per-object progress.
	Callback progress.Callback
	// Index records transferred oids for the destination.
	Index *state.Index
}

// Result reports what a transfer accomplished.
type Result struct {
	Transferred []object.HashInfo
	Failed      []object.HashInfo
}

// Transfer copies the objects named by his (expanding directories) from
// src into dst. A directory manifest is only written after every member
// it names made it across, so the destination never holds a manifest it
// cannot serve.
func Transfer(src, dst odb.Store, his []object.HashInfo, opts Options) (Result, error) {
	if opts.Callback == nil {
		opts.Callback = progress.Noop
	}

	cmp, err := Compare(src, dst, his, StatusOptions{Index: opts.Index, Jobs: opts.Jobs})
	if err != nil {
		return Result{}, err
	}
	if opts.Validate != nil {
		if err := opts.Validate(cmp); err != nil {
			return Result{}, err
		}
	}
	if len(cmp.New) == 0 {
		return Result{}, nil
	}

	// Split the work: directory manifests go last, gated on their
	// members.
	var files, dirs []object.HashInfo
	for _, oid := range util.SortedKeys(cmp.New) {
		hi := cmp.New[oid]
		if hi.IsDir() {
			dirs = append(dirs, hi)
		} else {
			files = append(files, hi)
		}
	}
	opts.Callback.SetSize(int64(len(files) + len(dirs)))

	var result Result
	record := func(hi object.HashInfo, err error) {
		opts.Callback.RelativeUpdate(1)
		if err != nil {
			logrus.WithError(err).Debugf("failed to transfer %q", hi.Value)
			result.Failed = append(result.Failed, hi)
			return
		}
		result.Transferred = append(result.Transferred, hi)
	}

	type fileResult struct {
		hi  object.HashInfo
		err error
	}
	outcomes := make([]fileResult, len(files))
	err = util.Parallel(indexes(len(files)), opts.Jobs, func(i int) error {
		hi := files[i]
		obj := src.Get(hi.Value)
		outcomes[i] = fileResult{hi: hi, err: dst.Add(obj.Path, obj.FS, hi.Value, opts.Hardlink)}
		return nil
	})
	if err != nil {
		return result, err
	}
	for _, o := range outcomes {
		record(o.hi, o.err)
	}

	for _, hi := range dirs {
		record(hi, transferDir(src, dst, hi, opts))
	}

	if opts.Index != nil && len(result.Transferred) > 0 {
		if err := opts.Index.Update(result.Transferred); err != nil {
			logrus.WithError(err).Debug("failed to update transfer index")
		}
	}

	sortInfos(result.Transferred)
	sortInfos(result.Failed)
	if len(result.Failed) > 0 {
		oids := make([]string, len(result.Failed))
		for i, hi := range result.Failed {
			oids[i] = hi.Value
		}
		return result, fmt.Errorf("failed to transfer %d objects: %s",
			len(oids), strings.Join(oids, ", "))
	}
	return result, nil
}

// transferDir moves a directory manifest. Every member must already be
// present on the destination: a manifest the destination cannot fully
// serve is worse than no manifest.
func transferDir(src, dst odb.Store, hi object.HashInfo, opts Options) error {
	sub, err := tree.Load(src, hi)
	if err != nil {
		return err
	}
	for _, it := range sub.Items() {
		oid := it.Entry.Hash.Value
		if !it.Entry.Hash.Defined() {
			continue
		}
		if _, err := dst.Check(oid, false); err != nil {
			return fmt.Errorf("member %q of %q is not present in the destination: %w",
				oid, hi.Value, err)
		}
	}

	obj := src.Get(hi.Value)
	return dst.Add(obj.Path, obj.FS, hi.Value, opts.Hardlink)
}

func sortInfos(his []object.HashInfo) {
	sort.Slice(his, func(i, j int) bool { return his[i].Value < his[j].Value })
}
