// gojopt inlines static lambdas into the methods that consume them.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/daimatz/gojopt/pkg/classpool"
	"github.com/daimatz/gojopt/pkg/config"
	"github.com/daimatz/gojopt/pkg/lambdainline"
	"github.com/daimatz/gojopt/pkg/vm"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	filter     string
	libPath    string
	verify     string
	out        string
	input      string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("gojopt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Configuration file (.toml, .yaml or .yml)")
	fs.StringVar(&opts.filter, "filter", "", "Classes whose lambdas are inlined, e.g. 'demo/**,!demo/gen/*'")
	fs.StringVar(&opts.libPath, "lib", "", "Library classes (directory, jar or jmod)")
	fs.StringVar(&opts.verify, "verify", "", "Run a static no-argument method (Class.method) before and after the pass and compare")
	fs.StringVar(&opts.out, "out", "", "Output directory, or a .jar file")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: gojopt [options] -out <dir|jar> <input dir|jar>\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("expected exactly one input")
	}
	if opts.out == "" {
		fs.Usage()
		return nil, errors.New("-out is required")
	}
	opts.input = fs.Arg(0)
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.filter != "" {
		cfg.Filter = opts.filter
	}

	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run", uuid.New().String()))

	program, err := classpool.Load(opts.input)
	if err != nil {
		return fmt.Errorf("loading %s: %w", opts.input, err)
	}
	library := classpool.New()
	if opts.libPath != "" {
		if library, err = classpool.Load(opts.libPath); err != nil {
			return fmt.Errorf("loading library %s: %w", opts.libPath, err)
		}
	}
	logger.Info("loaded classes",
		zap.String("input", opts.input),
		zap.Int("program", program.Len()),
		zap.Int("library", library.Len()))

	var before *verifyResult
	if opts.verify != "" {
		if err := classpool.Initialize(program, library); err != nil {
			return fmt.Errorf("initializing class pools: %w", err)
		}
		if before, err = invokeEntry(program, opts.verify); err != nil {
			return fmt.Errorf("verify before the pass: %w", err)
		}
	}

	pass := lambdainline.NewPass(cfg.NewPolicy(logger), cfg.Filter, logger)
	report, err := pass.Run(lambdainline.AppView{ProgramClassPool: program, LibraryClassPool: library})
	if err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		logger.Warn("some sites were not inlined", zap.Error(err))
	}

	if before != nil {
		after, err := invokeEntry(program, opts.verify)
		if err != nil {
			return fmt.Errorf("verify after the pass: %w", err)
		}
		if *after != *before {
			return fmt.Errorf("verify %s: result changed from %s to %s", opts.verify, before, after)
		}
		logger.Info("verified", zap.String("method", opts.verify), zap.Stringer("result", after))
	}

	if err := write(program, opts.out); err != nil {
		return fmt.Errorf("writing %s: %w", opts.out, err)
	}
	printSummary(stdout, report)
	return nil
}

func newLogger(c config.Log, stderr io.Writer) (*zap.Logger, error) {
	level, err := c.ZapLevel()
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch c.Format {
	case config.FormatConsole:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case config.FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		if isTerminal(stderr) {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(stderr), level)
	return zap.New(core), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type verifyResult struct {
	value  string
	output string
}

func (r *verifyResult) String() string {
	if r.output == "" {
		return r.value
	}
	return fmt.Sprintf("%s (output %q)", r.value, r.output)
}

// invokeEntry runs the static no-argument method named by entry, given as
// Class.method with the class in internal form.
func invokeEntry(program *classpool.ClassPool, entry string) (*verifyResult, error) {
	dot := strings.LastIndex(entry, ".")
	if dot <= 0 || dot == len(entry)-1 {
		return nil, fmt.Errorf("%q is not of the form Class.method", entry)
	}
	className, methodName := strings.ReplaceAll(entry[:dot], ".", "/"), entry[dot+1:]
	cf := program.Get(className)
	if cf == nil {
		return nil, fmt.Errorf("class %s is not a program class", className)
	}
	desc := ""
	for _, m := range cf.Methods {
		if m.Name == methodName && m.IsStatic() && strings.HasPrefix(m.Descriptor, "()") {
			desc = m.Descriptor
			break
		}
	}
	if desc == "" {
		return nil, fmt.Errorf("%s has no static no-argument method %s", className, methodName)
	}

	var out bytes.Buffer
	v := vm.NewVM(program)
	v.Stdout = &out
	value, err := v.Invoke(className, methodName, desc)
	if err != nil {
		return nil, err
	}
	result := &verifyResult{value: "void", output: out.String()}
	if !strings.HasSuffix(desc, ")V") {
		result.value = value.String()
	}
	return result, nil
}

func write(program *classpool.ClassPool, out string) error {
	if !strings.HasSuffix(out, ".jar") {
		return program.WriteDir(out)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := program.WriteJar(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, report *lambdainline.Report) {
	fmt.Fprintf(w, "static lambdas:       %d\n", len(report.Lambdas))
	fmt.Fprintf(w, "inlined call sites:   %d\n", report.InlinedSites())
	fmt.Fprintf(w, "fully inlined:        %d\n", report.FullyInlined())
	for _, o := range report.Lambdas {
		status := "kept"
		if o.FullyInlined {
			status = "removed"
		}
		fmt.Fprintf(w, "  %s: %d/%d sites inlined, %s\n", o.Lambda, o.Inlined, o.Sites, status)
		for _, e := range o.Escapes {
			fmt.Fprintf(w, "    escapes: %s\n", e)
		}
	}
}
