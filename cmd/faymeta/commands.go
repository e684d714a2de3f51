package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	FayLSM "github.com/Kirov7/FayLSM"
	"github.com/Kirov7/FayLSM/lsm"
	"github.com/Kirov7/FayLSM/persistent"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [directory]",
		Short: "print every version edit in the manifest",
		Long: `
  Pretty-prints each record of the MANIFEST file in order, without opening
  the database.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(args[0], utils.ManifestFilename)
			out := cmd.OutOrStdout()
			n := 0
			err := persistent.WalkManifest(path, func(offset int64, edit *version.VersionEdit) error {
				n++
				fmt.Fprintf(out, "--- record %d @%d\n%s", n, offset, edit.DebugString())
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d records\n", n)
			return nil
		},
	}
}

// store is a read-only view of a database directory: the replayed manifest
// and a table cache over the files it lists. Nothing is created, truncated
// or removed on disk.
type store struct {
	dir     string
	dataDir string
	files   []version.NewFile
	tables  *lsm.TableCache
}

func openStore(flags *rootFlags, dir string) (*store, error) {
	opt := FayLSM.DefaultOptions()
	if flags.config != "" {
		var err error
		if opt, err = FayLSM.LoadOptions(flags.config); err != nil {
			return nil, err
		}
	}
	if flags.dataDir != "" {
		opt.DataDir = flags.dataDir
	}
	opt.Logger.Level = flags.logLevel
	logger, err := FayLSM.NewLogger(opt.Logger)
	if err != nil {
		return nil, err
	}

	m, err := persistent.ReadManifest(filepath.Join(dir, utils.ManifestFilename))
	if err != nil {
		return nil, err
	}
	s := &store{dir: dir, dataDir: opt.DataDir}
	for _, tm := range m.Tables {
		s.files = append(s.files, version.NewFile{Level: tm.Level, Meta: tm.Meta})
	}
	for _, tm := range m.L0Tables {
		// partitions are cached under level 0
		s.files = append(s.files, version.NewFile{Level: 0, Meta: tm.Meta})
	}
	sort.Slice(s.files, func(i, j int) bool {
		return s.files[i].Meta.Number < s.files[j].Meta.Number
	})
	s.tables = lsm.NewTableCache(dir, opt.DataDir, &lsm.Options{
		WorkDir:         dir,
		DataDir:         opt.DataDir,
		VerifyChecksums: opt.VerifyChecksums,
		Logger:          logger.Sugar(),
	}, opt.TableCacheSize)
	return s, nil
}

// orphans lists table files on disk that the manifest does not mention.
func (s *store) orphans() []uint64 {
	live := make(map[uint64]struct{}, len(s.files))
	for _, f := range s.files {
		live[f.Meta.Number] = struct{}{}
	}
	var out []uint64
	for id := range utils.LoadIDMap(s.dir, s.dataDir) {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *store) close() {
	s.tables.Close()
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [directory]",
		Short: "open every table and verify its checksums",
		Long: `
  Verifies every table listed in the MANIFEST: the file must open, every
  block checksum must match and the entry count must agree with the index.
  The directory is only read.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(flags, args[0])
			if err != nil {
				return err
			}
			defer s.close()
			out := cmd.OutOrStdout()
			opt := &utils.Options{VerifyChecksums: true}
			var bad int
			for _, f := range s.files {
				it, t, err := s.tables.NewIterator(opt, f.Meta.Number, f.Meta.FileSize, f.Level)
				if err != nil {
					bad++
					fmt.Fprintf(out, "%s: %v\n", f.Meta, err)
					continue
				}
				n := 0
				for it.Rewind(); it.Valid(); it.Next() {
					n++
				}
				if err := it.Close(); err != nil {
					bad++
					fmt.Fprintf(out, "%s: %v\n", f.Meta, err)
					continue
				}
				if uint32(n) != t.KeyCount() {
					bad++
					fmt.Fprintf(out, "%s: %d entries, index says %d\n", f.Meta, n, t.KeyCount())
					continue
				}
				fmt.Fprintf(out, "%s: ok, %d entries\n", f.Meta, n)
			}
			for _, id := range s.orphans() {
				fmt.Fprintf(out, "table %06d is not in the manifest\n", id)
			}
			if bad > 0 {
				return errors.Errorf("%d damaged tables", bad)
			}
			return nil
		},
	}
}

func newKeysCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "keys [directory]",
		Short: "dump all the keys in the tables of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(flags, args[0])
			if err != nil {
				return err
			}
			defer s.close()
			var iters []utils.Iterator
			for _, f := range s.files {
				it, _, err := s.tables.NewIterator(nil, f.Meta.Number, f.Meta.FileSize, f.Level)
				if err != nil {
					for _, it := range iters {
						_ = it.Close()
					}
					return err
				}
				iters = append(iters, it)
			}
			it := lsm.NewMergeIterator(iters, nil)
			out := cmd.OutOrStdout()
			n := 0
			for it.Rewind(); it.Valid() && (limit <= 0 || n < limit); it.Next() {
				e := it.Item().Entry()
				fmt.Fprintf(out, "%s %q\n", utils.InternalKey(e.Key), e.Value)
				n++
			}
			return it.Close()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many keys")
	return cmd
}

func newCompactManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact-manifest [directory]",
		Short: "rewrite the manifest as a single snapshot record",
		Long: `
  Replaces the MANIFEST with one record describing the current file set.
  The database must not be open.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			path := filepath.Join(dir, utils.ManifestFilename)
			before, err := os.Stat(path)
			if err != nil {
				return errors.Wrap(err, "manifest")
			}
			mf, err := persistent.OpenManifestFile(&persistent.Options{Dir: dir})
			if err != nil {
				return err
			}
			if err := mf.Rewrite(); err != nil {
				_ = mf.Close()
				return err
			}
			if err := mf.Close(); err != nil {
				return err
			}
			after, err := os.Stat(path)
			if err != nil {
				return errors.Wrap(err, "manifest")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest rewritten: %d -> %d bytes\n", before.Size(), after.Size())
			return nil
		},
	}
}
