package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/valeriansaliou/sonic/utils"
)

// Backup dumps the whole store directory tree under destPath:
// <destPath>/kv/<collection>/ holds consistent engine checkpoints and
// <destPath>/fst/<collection>/<bucket>.fst holds graph copies. Open KV
// handles are checkpointed through the engine; everything else is copied
// from disk.
func Backup(log utils.Logger, kv *KVPool, fst *FSTPool, destPath string) error {
	kvDest := filepath.Join(destPath, "kv")
	fstDest := filepath.Join(destPath, "fst")
	if err := os.MkdirAll(kvDest, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(fstDest, 0o755); err != nil {
		return err
	}

	// checkpoint open collections, remember which ones were covered
	checkpointed := make(map[string]struct{})
	var checkpointErr error
	kv.Range(func(h CollectionHash, s *KVStore) bool {
		name := fmt.Sprintf("%x", uint32(h))
		if err := s.Checkpoint(filepath.Join(kvDest, name)); err != nil {
			checkpointErr = err
			return false
		}
		checkpointed[name] = struct{}{}
		return true
	})
	if checkpointErr != nil {
		return checkpointErr
	}

	// plain-copy collections that are not open
	entries, err := os.ReadDir(kv.cfg.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, done := checkpointed[entry.Name()]; done {
			continue
		}
		src := filepath.Join(kv.cfg.Path, entry.Name())
		if err := copyDir(src, filepath.Join(kvDest, entry.Name())); err != nil {
			return err
		}
	}

	// graphs are immutable files; hold the read lock of open ones so a
	// consolidation swap cannot race the copy
	var graphErr error
	fst.Range(func(k fstKey, s *FSTStore) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.fst == nil {
			return true
		}
		dest := filepath.Join(fstDest,
			fmt.Sprintf("%x", uint32(k.collection)), fmt.Sprintf("%x.fst", uint32(k.bucket)))
		if err := copyFile(s.path, dest); err != nil {
			graphErr = err
			return false
		}
		return true
	})
	if graphErr != nil {
		return graphErr
	}

	if err := copyDirMissing(fst.cfg.Path, fstDest); err != nil {
		return err
	}

	log.Info("store: backup complete", "path", destPath)
	return nil
}

// Restore replaces the store directories with the backup's content. Every
// pool handle is closed first; callers must hold off commands until restore
// returns.
func Restore(log utils.Logger, kv *KVPool, fst *FSTPool, srcPath string) error {
	kvSrc := filepath.Join(srcPath, "kv")
	fstSrc := filepath.Join(srcPath, "fst")
	if _, err := os.Stat(kvSrc); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}

	kv.Close()
	fst.Close()

	if err := os.RemoveAll(kv.cfg.Path); err != nil {
		return err
	}
	if err := os.RemoveAll(fst.cfg.Path); err != nil {
		return err
	}
	if err := copyDir(kvSrc, kv.cfg.Path); err != nil {
		return err
	}
	if err := copyDir(fstSrc, fst.cfg.Path); err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(fst.cfg.Path, 0o755)
		}
		return err
	}

	log.Info("store: restore complete", "path", srcPath)
	return nil
}

func copyDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// copyDirMissing copies files from src that are absent under dest.
func copyDirMissing(src, dest string) error {
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		return copyFile(path, target)
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
