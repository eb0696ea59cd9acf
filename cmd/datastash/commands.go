package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"datastash/internal/build"
	"datastash/internal/checkout"
	"datastash/internal/diff"
	"datastash/internal/fs"
	"datastash/internal/gc"
	"datastash/internal/hash"
	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/progress"
	"datastash/internal/transfer"
	"datastash/internal/tree"
)

func init() {
	register(command{"hash", "compute the digest of a file", runHash})
	register(command{"add", "snapshot a path into the object database", runAdd})
	register(command{"checkout", "materialize a snapshot into the workspace", runCheckout})
	register(command{"diff", "compare two snapshots", runDiff})
	register(command{"status", "compare the workspace against a snapshot", runStatus})
	register(command{"ls", "list entries of a directory snapshot", runLS})
	register(command{"du", "report the stored size of a snapshot", runDU})
	register(command{"verify", "re-hash stored objects and drop corrupt ones", runVerify})
	register(command{"transfer", "copy a snapshot into another database", runTransfer})
	register(command{"gc", "delete objects unreachable from the given oids", runGC})
}

func runHash(args []string) error {
	fl := flag.NewFlagSet("hash", flag.ContinueOnError)
	name := fl.String("hash", hash.DefaultAlgorithm, "digest algorithm")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 1 {
		return fmt.Errorf("usage: hash [--hash <name>] <path>")
	}

	_, hi, err := hash.File(fl.Arg(0), fs.NewOSFS(), *name, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", hi.Name, hi.Value)
	return nil
}

func runAdd(args []string) error {
	fl := flag.NewFlagSet("add", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	name := fl.String("hash", hash.DefaultAlgorithm, "digest algorithm")
	jobs := fl.Int("jobs", 0, "hashing workers")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 1 {
		return fmt.Errorf("usage: add [flags] <path>")
	}
	path := fl.Arg(0)

	e, err := openEnv(*cacheDir, *name)
	if err != nil {
		return err
	}
	defer e.Close()

	tracker := progress.NewTracker(0, "Hashing")
	staging, meta, node, err := build.NewBuilder(*name).Build(path, e.fsys, build.Options{
		Jobs:     *jobs,
		Callback: tracker,
		State:    e.state,
	})
	tracker.Finish()
	if err != nil {
		return err
	}

	hi := node.Info()
	if _, err := transfer.Transfer(staging, e.cache, []object.HashInfo{hi}, transfer.Options{
		Jobs: *jobs,
	}); err != nil {
		return err
	}

	if meta.IsDir {
		fmt.Printf("%s (%d files, %s)\n", hi.Value, meta.NFiles, humanize.IBytes(uint64(meta.Size)))
	} else {
		fmt.Printf("%s (%s)\n", hi.Value, humanize.IBytes(uint64(meta.Size)))
	}
	return nil
}

func runCheckout(args []string) error {
	fl := flag.NewFlagSet("checkout", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	force := fl.Bool("force", false, "allow deleting content not in the database")
	relink := fl.Bool("relink", false, "re-materialize unchanged files")
	jobs := fl.Int("jobs", 0, "materialization workers")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 2 {
		return fmt.Errorf("usage: checkout [flags] <oid> <path>")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	node, err := resolve(e.cache, fl.Arg(0))
	if err != nil {
		return err
	}

	tracker := progress.NewTracker(0, "Checkout")
	err = checkout.Checkout(fl.Arg(1), e.fsys, node, e.cache, checkout.Options{
		Force:    *force,
		Relink:   *relink,
		Jobs:     *jobs,
		Prompt:   confirm,
		Callback: tracker,
		State:    e.state,
	})
	tracker.Finish()
	return err
}

func runDiff(args []string) error {
	fl := flag.NewFlagSet("diff", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 2 {
		return fmt.Errorf("usage: diff [flags] <old-oid> <new-oid>")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	oldNode, err := resolve(e.cache, fl.Arg(0))
	if err != nil {
		return err
	}
	newNode, err := resolve(e.cache, fl.Arg(1))
	if err != nil {
		return err
	}

	d, err := diff.Diff(e.cache, oldNode, newNode)
	if err != nil {
		return err
	}
	printChanges("added", d.Added)
	printChanges("modified", d.Modified)
	printChanges("deleted", d.Deleted)

	stats := d.Stats()
	fmt.Printf("%d added, %d modified, %d deleted\n",
		stats[diff.Added], stats[diff.Modified], stats[diff.Deleted])
	return nil
}

func runStatus(args []string) error {
	fl := flag.NewFlagSet("status", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	jobs := fl.Int("jobs", 0, "hashing workers")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 2 {
		return fmt.Errorf("usage: status [flags] <oid> <path>")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	oldNode, err := resolve(e.cache, fl.Arg(0))
	if err != nil {
		return err
	}

	_, _, newNode, err := build.NewBuilder(e.cache.HashName()).Build(fl.Arg(1), e.fsys, build.Options{
		DryRun: true,
		Jobs:   *jobs,
		State:  e.state,
	})
	if err != nil {
		return err
	}

	d, err := diff.Diff(e.cache, oldNode, newNode)
	if err != nil {
		return err
	}
	printChanges("added", d.Added)
	printChanges("modified", d.Modified)
	printChanges("deleted", d.Deleted)
	if len(d.Added)+len(d.Modified)+len(d.Deleted) == 0 {
		fmt.Println("Workspace and database are in sync.")
	}
	return nil
}

func runLS(args []string) error {
	fl := flag.NewFlagSet("ls", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	prefix := fl.String("prefix", "", "list under this sub-path")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 1 {
		return fmt.Errorf("usage: ls [flags] <oid>")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := loadTree(e.cache, fl.Arg(0))
	if err != nil {
		return err
	}
	for _, name := range t.LS(*prefix) {
		fmt.Println(name)
	}
	return nil
}

func runDU(args []string) error {
	fl := flag.NewFlagSet("du", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 1 {
		return fmt.Errorf("usage: du [flags] <oid>")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := loadTree(e.cache, fl.Arg(0))
	if err != nil {
		return err
	}
	total, err := tree.DU(e.cache, t)
	if err != nil {
		return err
	}
	fmt.Println(humanize.IBytes(uint64(total)))
	return nil
}

func runVerify(args []string) error {
	fl := flag.NewFlagSet("verify", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	if err := fl.Parse(args); err != nil {
		return err
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	oids, err := e.cache.ListOIDs()
	if err != nil {
		return err
	}

	corrupt := 0
	for _, oid := range oids {
		if _, err := e.cache.Check(oid, true); err != nil {
			fmt.Printf("corrupt: %s\n", oid)
			corrupt++
		}
	}
	fmt.Printf("%d objects checked, %d corrupt\n", len(oids), corrupt)
	if corrupt > 0 {
		return fmt.Errorf("%d corrupt objects removed", corrupt)
	}
	return nil
}

func runTransfer(args []string) error {
	fl := flag.NewFlagSet("transfer", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "source object database directory")
	hardlink := fl.Bool("hardlink", false, "hardlink instead of copying when possible")
	jobs := fl.Int("jobs", 0, "transfer workers")
	remote := fl.String("remote", "", "name for the destination in the transfer index")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 2 {
		return fmt.Errorf("usage: transfer [flags] <oid> <dest-dir>")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	hi, err := resolveInfo(e.cache, fl.Arg(0))
	if err != nil {
		return err
	}

	dstFS := fs.NewOSFS()
	dst := odb.NewLocalDB(dstFS, fl.Arg(1), odb.Config{HashName: e.cache.HashName()})

	opts := transfer.Options{Jobs: *jobs, Hardlink: *hardlink}
	if *remote != "" {
		opts.Index = e.state.Index(*remote)
	}

	tracker := progress.NewTracker(0, "Transfer")
	opts.Callback = tracker
	result, err := transfer.Transfer(e.cache, dst, []object.HashInfo{hi}, opts)
	tracker.Finish()
	if err != nil {
		return err
	}
	fmt.Printf("Transferred %d object(s)\n", len(result.Transferred))
	return nil
}

func runGC(args []string) error {
	fl := flag.NewFlagSet("gc", flag.ContinueOnError)
	cacheDir := fl.String("cache-dir", "", "object database directory")
	shallow := fl.Bool("shallow", false, "do not keep members of used directory snapshots")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() == 0 {
		return fmt.Errorf("usage: gc [flags] <used-oid>...")
	}

	e, err := openEnv(*cacheDir, "")
	if err != nil {
		return err
	}
	defer e.Close()

	var used []object.HashInfo
	for _, arg := range fl.Args() {
		hi, err := resolveInfo(e.cache, arg)
		if err != nil {
			return err
		}
		used = append(used, hi)
	}

	removed, err := gc.GC(e.cache, used, gc.Options{Shallow: *shallow})
	if err != nil {
		return err
	}
	if removed {
		fmt.Println("Removed unused objects.")
	} else {
		fmt.Println("Nothing to remove.")
	}
	return nil
}

// resolveInfo expands a possibly short oid into the full HashInfo.
func resolveInfo(db *odb.LocalDB, arg string) (object.HashInfo, error) {
	oid := arg
	if !db.Exists(oid) {
		full, err := db.ExistsPrefix(strings.TrimSuffix(arg, object.DirSuffix))
		if err != nil {
			return object.HashInfo{}, fmt.Errorf("resolve %q: %w", arg, err)
		}
		oid = full
	}
	return object.HashInfo{Name: db.HashName(), Value: oid}, nil
}

// resolve loads the snapshot node named by arg: a Tree for directory
// oids, the stored Object otherwise.
func resolve(db *odb.LocalDB, arg string) (object.Node, error) {
	hi, err := resolveInfo(db, arg)
	if err != nil {
		return nil, err
	}
	if hi.IsDir() {
		return tree.Load(db, hi)
	}
	return db.Get(hi.Value), nil
}

func loadTree(db *odb.LocalDB, arg string) (*tree.Tree, error) {
	hi, err := resolveInfo(db, arg)
	if err != nil {
		return nil, err
	}
	if !hi.IsDir() {
		return nil, fmt.Errorf("%q is not a directory snapshot", arg)
	}
	return tree.Load(db, hi)
}

func printChanges(kind string, changes []diff.Change) {
	for _, c := range changes {
		if c.Key() == diff.Root {
			continue
		}
		fmt.Printf("%-9s %s\n", kind, c.Key())
	}
}

func confirm(path string) bool {
	fmt.Printf("file/directory '%s' is going to be removed. Are you sure? [y/n] ", path)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
