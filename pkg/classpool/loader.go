package classpool

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// jmodMagic prefixes the zip data of JDK .jmod files.
var jmodMagic = []byte("JM\x01\x00")

// Load reads classes from a directory tree, a .jar/.zip archive or a .jmod file.
func Load(path string) (*ClassPool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadJar(path)
}

// LoadDir parses every .class file below dir. Files are parsed in parallel;
// the pool is built once all of them succeeded.
func LoadDir(dir string) (*ClassPool, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".class") && filepath.Base(path) != "module-info.class" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dir: walking %s: %w", dir, err)
	}

	parsed := make([]*classfile.ClassFile, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			cf, err := classfile.ParseFile(path)
			if err != nil {
				return fmt.Errorf("dir: parsing %s: %w", path, err)
			}
			parsed[i] = cf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cp := New()
	for _, cf := range parsed {
		if err := cp.Add(cf); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// LoadJar parses every .class entry of a jar, zip or jmod archive.
func LoadJar(path string) (*ClassPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jar: reading %s: %w", path, err)
	}
	if bytes.HasPrefix(data, jmodMagic) {
		data = data[len(jmodMagic):]
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("jar: opening %s: %w", path, err)
	}

	cp := New()
	for _, file := range zr.File {
		if !strings.HasSuffix(file.Name, ".class") || strings.HasSuffix(file.Name, "module-info.class") {
			continue
		}
		cf, err := parseEntry(file)
		if err != nil {
			return nil, fmt.Errorf("jar: %s: %w", path, err)
		}
		if err := cp.Add(cf); err != nil {
			return nil, fmt.Errorf("jar: %s: %w", path, err)
		}
	}
	return cp, nil
}

func parseEntry(file *zip.File) (*classfile.ClassFile, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", file.Name, err)
	}
	defer rc.Close()
	cf, err := classfile.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file.Name, err)
	}
	return cf, nil
}

// WriteDir writes every class of the pool below dir as <name>.class.
func (cp *ClassPool) WriteDir(dir string) error {
	for _, name := range cp.Names() {
		path := filepath.Join(dir, filepath.FromSlash(name)+".class")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := cp.classes[name].WriteFile(path); err != nil {
			return err
		}
	}
	return nil
}

// WriteJar writes every class of the pool into a jar archive.
func (cp *ClassPool) WriteJar(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, name := range cp.Names() {
		data, err := cp.classes[name].Bytes()
		if err != nil {
			return fmt.Errorf("jar: encoding %s: %w", name, err)
		}
		fw, err := zw.Create(name + ".class")
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
	}
	return zw.Close()
}
