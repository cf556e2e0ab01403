package compiler

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/govexec/internal/saga"
)

// maxSourceSize caps a single CUE file.
const maxSourceSize = 1 << 20

// CompileSource compiles every saga declared under the top-level `saga`
// field of src.
func CompileSource(filename string, src []byte, opts ...Option) ([]saga.Definition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	sagasVal := v.LookupPath(cue.ParsePath("saga"))
	if !sagasVal.Exists() {
		return nil, &CompileError{Field: "saga", Message: "no sagas declared", Pos: v.Pos()}
	}
	iter, err := sagasVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []saga.Definition
	for iter.Next() {
		def, err := CompileSaga(iter.Value(), opts...)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, &CompileError{Field: "saga", Message: "no sagas declared", Pos: sagasVal.Pos()}
	}
	return defs, nil
}

// CompileSagaFile compiles the sagas of one CUE file.
func CompileSagaFile(path string, opts ...Option) ([]saga.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open saga file: %w", err)
	}
	defer f.Close()

	src, err := io.ReadAll(io.LimitReader(f, maxSourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("read saga file: %w", err)
	}
	if len(src) > maxSourceSize {
		return nil, fmt.Errorf("saga file %s exceeds %d bytes", path, maxSourceSize)
	}
	return CompileSource(path, src, opts...)
}

// LoadDir compiles every .cue file under dir, in lexical path order.
// Saga names must be unique across files.
func LoadDir(dir string, opts ...Option) ([]saga.Definition, error) {
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var defs []saga.Definition
	origin := map[string]string{}
	for _, path := range files {
		fileDefs, err := CompileSagaFile(path, opts...)
		if err != nil {
			return nil, err
		}
		for _, def := range fileDefs {
			if prev, ok := origin[def.Name]; ok {
				return nil, fmt.Errorf("saga %q declared in both %s and %s", def.Name, prev, path)
			}
			origin[def.Name] = path
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
