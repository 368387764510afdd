// Command pbd is the external front end for the core: it parses flags,
// resolves persisted defaults via internal/config, builds a session.Config,
// and drives one debugging run to completion. Structurally this is the Go
// analogue of original_source/src/main.c's readargs/main pair, rebuilt as a
// single cobra.Command rather than argv-index parsing.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pbdebug/pbd/internal/analysis"
	"github.com/pbdebug/pbd/internal/config"
	"github.com/pbdebug/pbd/internal/debuginfo"
	"github.com/pbdebug/pbd/internal/logflags"
	"github.com/pbdebug/pbd/internal/pbderr"
	"github.com/pbdebug/pbd/internal/session"
)

// version mirrors main.c's MAJOR_VERSION/MINOR_VERSION/RLSE_VERSION trio.
const version = "1.0"

var (
	showLines            bool
	contextLines         int
	onlyLocals           bool
	onlyGlobals          bool
	ignoreList           string
	watchList            string
	outputPath           string
	dumpAll              bool
	avoidEqualStatements bool
	staticAnalysis       bool
	analysisStd          string
	analysisDefines      []string
	analysisUndefines    []string
	analysisIncludes     []string
	logFields            string
	logDest              string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pbd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "pbd executable function_name [executable_args...]",
		Short:   "Printf Based Debugger: line-accurate variable-change tracing",
		Version: version,
		Args:    cobra.MinimumNArgs(2),
		RunE:    runRoot,
	}
	// Stop parsing pbd's own flags at the first positional argument so
	// that anything following function_name is forwarded verbatim to the
	// traced executable, never mistaken for a pbd flag.
	root.Flags().SetInterspersed(false)

	root.Flags().BoolVarP(&showLines, "show-lines", "s", false, "show the surrounding source line for each change")
	root.Flags().IntVar(&contextLines, "context-lines", -1, "number of source lines of context around each change (with --show-lines)")
	root.Flags().BoolVarP(&onlyLocals, "only-locals", "l", false, "monitor only local variables (default: global + local)")
	root.Flags().BoolVarP(&onlyGlobals, "only-globals", "g", false, "monitor only global variables (default: global + local)")
	root.Flags().StringVarP(&ignoreList, "ignore-list", "i", "", "comma-separated variable names to ignore")
	root.Flags().StringVarP(&watchList, "watch-list", "w", "", "comma-separated variable names to watch exclusively (mutually exclusive with --ignore-list)")
	root.Flags().StringVarP(&outputPath, "output", "o", "", "redirect all core-emitted notifications to this file instead of stdout")
	root.Flags().BoolVarP(&dumpAll, "dump-all", "d", false, "print the resolved variable/line/breakpoint tables and exit")
	root.Flags().BoolVar(&avoidEqualStatements, "avoid-equal-statements", false, "unsafe: collapse a source line reached by more than one statement to its first breakpoint only")
	root.Flags().BoolVar(&staticAnalysis, "static-analysis", false, "narrow the breakpoint set to statements that can mutate a watched variable")
	root.Flags().StringVar(&analysisStd, "analysis-std", "", "C standard passed through to the static-analysis front end")
	root.Flags().StringSliceVar(&analysisDefines, "analysis-define", nil, "preprocessor define passed through to the static-analysis front end")
	root.Flags().StringSliceVar(&analysisUndefines, "analysis-undefine", nil, "preprocessor undefine passed through to the static-analysis front end")
	root.Flags().StringSliceVar(&analysisIncludes, "analysis-include", nil, "include path passed through to the static-analysis front end")
	root.Flags().StringVar(&logFields, "log", "", "comma-separated component loggers to enable (debuginfo,breakpoint,tracer,session,analysis,all)")
	root.Flags().StringVar(&logDest, "log-dest", "", "file path to write enabled component logs to, instead of stderr")

	return root
}

func runRoot(cmd *cobra.Command, args []string) error {
	if logFields != "" {
		if err := logflags.Setup(logFields); err != nil {
			return err
		}
	}
	if logDest != "" {
		f, err := os.Create(logDest)
		if err != nil {
			return err
		}
		defer f.Close()
		logflags.SetOutput(f)
	}

	if watchList != "" && ignoreList != "" {
		return &pbderr.ConflictingFlagsError{FlagA: "watch-list", FlagB: "ignore-list"}
	}

	conf := config.Load()

	avoidEqual := avoidEqualStatements
	if !cmd.Flags().Changed("avoid-equal-statements") {
		avoidEqual = conf.AvoidEqualStatements
	}
	if avoidEqual {
		fmt.Fprintln(os.Stderr, "pbd: warning: --avoid-equal-statements may report a change against the wrong occurrence of a repeated source line")
	}

	executable := args[0]
	functionName := args[1]
	tracedArgs := args[2:]

	filter := buildFilter(conf)
	placeholderOut, closeOutput, err := rawOutputWriter()
	if err != nil {
		return err
	}
	defer closeOutput()

	cfg := session.Config{
		Executable:           executable,
		Args:                 tracedArgs,
		FunctionName:         functionName,
		Filter:               filter,
		OnlyGlobals:          onlyGlobals,
		OnlyLocals:           onlyLocals,
		AvoidEqualStatements: avoidEqual,
		Output:               session.NewDefaultOutput(placeholderOut),
	}

	if staticAnalysis {
		// No C preprocessor/parser ships with this core; spec.md reserves
		// AST production to an external collaborator (see internal/analysis's
		// package doc). Without one wired in, an explicit request for static
		// analysis cannot be honoured and is a fatal setup error rather than
		// a silent fallback to the full line table.
		_ = analysis.Options{Standard: analysisStd, Defines: analysisDefines, Undefines: analysisUndefines, Includes: analysisIncludes}
		return &pbderr.AnalysisUnavailableError{Source: executable, Reason: "no static-analysis front end is wired into this build"}
	}

	s, err := session.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if showLines {
		if out, err := detailedOutput(placeholderOut, conf, s.SourceFile()); err == nil {
			s.SetOutput(out)
		}
		// A failure here falls back to the already-configured DefaultOutput:
		// --show-lines is presentation only, per spec.md's
		// external-collaborator carve-out for the source loader.
	}

	if dumpAll {
		s.DumpAll(cmd.OutOrStdout())
		return nil
	}

	return s.Run()
}

func buildFilter(conf *config.Config) debuginfo.Filter {
	switch {
	case watchList != "":
		return debuginfo.Filter{Mode: debuginfo.Watch, Names: namesOf(resolveAlias(watchList, conf.WatchListAliases))}
	case ignoreList != "":
		return debuginfo.Filter{Mode: debuginfo.Ignore, Names: namesOf(resolveAlias(ignoreList, conf.IgnoreListAliases))}
	default:
		return debuginfo.Filter{}
	}
}

// resolveAlias lets a user pass a name registered in internal/config's
// watch-list-aliases/ignore-list-aliases instead of spelling the list out
// on every invocation.
func resolveAlias(list string, aliases map[string][]string) []string {
	if names, ok := aliases[list]; ok {
		return names
	}
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func namesOf(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		if n != "" {
			m[n] = true
		}
	}
	return m
}

// rawOutputWriter resolves the destination stream for all core-emitted
// notifications, redirected to --output's path when set.
func rawOutputWriter() (w *os.File, closeFn func(), err error) {
	if outputPath == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// detailedOutput builds the --show-lines formatter once the session has
// resolved the target compile unit's source path.
func detailedOutput(w *os.File, conf *config.Config, srcPath string) (session.Output, error) {
	ctxLines := contextLines
	if ctxLines < 0 {
		ctxLines = conf.ContextLines
	}
	path := srcPath
	if _, err := os.Stat(path); err != nil {
		path = conf.SubstitutePath.Apply(path)
	}
	return session.NewDetailedOutput(w, path, ctxLines)
}
