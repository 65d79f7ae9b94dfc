package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/prepack/internal/envconfig"
	"github.com/born-ml/prepack/internal/kernels"
	"github.com/born-ml/prepack/internal/loader"
	"github.com/born-ml/prepack/internal/logutil"
	"github.com/born-ml/prepack/internal/onnx"
	"github.com/born-ml/prepack/internal/prepack"
)

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:          "prepack",
		Short:        "Pre-pack ONNX model weights and share them across models",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show a model's weights and their pre-packed blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0])
		},
	}

	packCmd := &cobra.Command{
		Use:   "pack MODEL [MODEL...]",
		Short: "Pack the weights of one or more models",
		Long: `Pack the weights of one or more models against a shared cache.

Models that hold the same weight share one packed copy. With --save each
model is rewritten in place with its packed blobs appended to the external
data file of every packed weight.`,
		Args: cobra.MinimumNArgs(1),
		RunE: packHandler,
	}
	packCmd.Flags().Bool("save", false, "Write packed weights back to each model (PREPACK_SAVE)")
	packCmd.Flags().String("blob-file", "", "External data file for weights stored inline (PREPACK_BLOB_FILE)")
	packCmd.Flags().Bool("share", true, "Share packed weights across models (PREPACK_SHARE_WEIGHTS)")
	packCmd.Flags().Bool("verify", true, "Verify packed segments read from disk (PREPACK_VERIFY_CHECKSUMS)")
	packCmd.Flags().IntP("parallel", "p", 0, "Maximum number of models packed at once (PREPACK_MAX_PARALLEL)")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			showEnv(cmd.OutOrStdout())
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "prepack version %s\n", version)
		},
	}

	envs := envconfig.AsMap()
	appendEnvDocs(packCmd, []envconfig.EnvVar{
		envs["PREPACK_DEBUG"],
		envs["PREPACK_SAVE"],
		envs["PREPACK_BLOB_FILE"],
		envs["PREPACK_SHARE_WEIGHTS"],
		envs["PREPACK_VERIFY_CHECKSUMS"],
		envs["PREPACK_DEVICE"],
		envs["PREPACK_MAX_PARALLEL"],
	})
	appendEnvDocs(inspectCmd, []envconfig.EnvVar{envs["PREPACK_DEBUG"]})

	rootCmd.AddCommand(inspectCmd, packCmd, envCmd, versionCmd)
	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func inspect(w io.Writer, path string) error {
	model, err := onnx.ParseFile(path)
	if err != nil {
		return err
	}
	graphs := onnx.IndexGraphs(model.Graph)

	fmt.Fprintf(w, "Model: %s\n", path)
	fmt.Fprintf(w, "  IR version: %d\n", model.IRVersion)
	if model.ProducerName != "" {
		fmt.Fprintf(w, "  Producer:   %s\n", model.ProducerName)
	}
	fmt.Fprintf(w, "  Graphs:     %d\n\n", graphs.Len())

	var tensors, hints [][]string
	for i := range graphs.Len() {
		g := graphs.Graph(onnx.GraphID(i))
		for j := range g.Initializers {
			t := &g.Initializers[j]
			size := humanize.Bytes(uint64(t.NumElements() * int64(t.ByteSize()))) //nolint:gosec // G115: sizes are non-negative

			location, packed := "inline", "-"
			if t.IsExternal() {
				info, err := onnx.ParseExternalData(t.ExternalData)
				if err != nil {
					return fmt.Errorf("tensor %q: %w", t.Name, err)
				}
				location = fmt.Sprintf("%s@%d+%d", info.Location, info.Offset, info.Length)
				if keys := info.PrepackedKeys(); len(keys) > 0 {
					packed = strconv.Itoa(len(keys))
				}
				for _, key := range info.PrepackedKeys() {
					blobs := info.PrepackedBlobs(key)
					var n int64
					for _, b := range blobs {
						n += b.Length
					}
					hints = append(hints, []string{t.Name, shortKey(key), strconv.Itoa(len(blobs)), humanize.Bytes(uint64(n))}) //nolint:gosec // G115: lengths are non-negative
				}
			}

			tensors = append(tensors, []string{
				strconv.Itoa(i), t.Name, dataTypeName(t.DataType), shape(t.Dims), size, location, packed,
			})
		}
	}

	table := newTable(w, []string{"GRAPH", "NAME", "TYPE", "SHAPE", "SIZE", "LOCATION", "PACKED"})
	table.AppendBulk(tensors)
	table.Render()

	if len(hints) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, []string{"TENSOR", "KEY", "BUFFERS", "SIZE"})
		table.AppendBulk(hints)
		table.Render()
	}
	return nil
}

func packHandler(cmd *cobra.Command, args []string) error {
	opts := loader.DefaultOptions()
	flags := cmd.Flags()
	if flags.Changed("save") {
		opts.SavePrepacked, _ = flags.GetBool("save")
	}
	if flags.Changed("share") {
		opts.ShareWeights, _ = flags.GetBool("share")
	}
	if flags.Changed("verify") {
		opts.VerifyChecksums, _ = flags.GetBool("verify")
	}
	if flags.Changed("parallel") {
		opts.MaxParallel, _ = flags.GetInt("parallel")
	}
	blobFile := envconfig.BlobFile()
	if flags.Changed("blob-file") {
		blobFile, _ = flags.GetString("blob-file")
	}

	return packModels(cmd.Context(), cmd.OutOrStdout(), args, opts, blobFile)
}

// packModels packs the models at paths and prints where each packed weight
// came from. When opts.SavePrepacked is set every model is saved in place.
func packModels(ctx context.Context, w io.Writer, paths []string, opts loader.Options, blobFile string) (err error) {
	cache := prepack.NewSharedCache()
	defer cache.Close()

	results, err := loader.PackModels(ctx, paths, cache, kernels.DefaultRegistry(), opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range results {
			err = errors.Join(err, r.State.Close())
		}
	}()

	var data [][]string
	for _, r := range results {
		for _, pw := range r.Packed {
			data = append(data, []string{
				filepath.Base(r.Path), pw.Node, pw.Weight, shortKey(pw.Key), pw.Source.String(),
				humanize.Bytes(uint64(pw.Blob.Size())), //nolint:gosec // G115: sizes are non-negative
			})
		}
	}
	table := newTable(w, []string{"MODEL", "NODE", "WEIGHT", "KEY", "SOURCE", "SIZE"})
	table.AppendBulk(data)
	table.Render()

	if !opts.SavePrepacked {
		return nil
	}

	fmt.Fprintln(w)
	for _, r := range results {
		name := blobFile
		if name == "" {
			name = defaultBlobFile(r.Path)
		}
		stats, err := r.State.Save(r.Path, name)
		if err != nil {
			return fmt.Errorf("save %s: %w", r.Path, err)
		}
		fmt.Fprintf(w, "saved %s: %d blobs, %d tensors externalized, %s written\n",
			r.Path, stats.Blobs, stats.Externalized, humanize.Bytes(uint64(stats.Bytes))) //nolint:gosec // G115: sizes are non-negative
	}
	return nil
}

// defaultBlobFile names the external data file for a model's inline weights.
func defaultBlobFile(modelPath string) string {
	base := filepath.Base(modelPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".prepacked.bin"
}

func showEnv(w io.Writer) {
	envs := envconfig.AsMap()
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	slices.Sort(names)

	var data [][]string
	for _, name := range names {
		e := envs[name]
		data = append(data, []string{e.Name, fmt.Sprintf("%v", e.Value), e.Description})
	}

	table := newTable(w, []string{"NAME", "VALUE", "DESCRIPTION"})
	table.AppendBulk(data)
	table.Render()
}

// shortKey abbreviates the hash part of a blob key.
func shortKey(key string) string {
	opType, hash, ok := prepack.SplitKey(key)
	if !ok || len(hash) <= 12 {
		return key
	}
	return prepack.Key(opType, hash[:12])
}

func shape(dims []int64) string {
	s := make([]string, len(dims))
	for i, d := range dims {
		s[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(s, " ") + "]"
}

var dataTypeNames = map[int32]string{
	onnx.TensorProtoFloat:      "float32",
	onnx.TensorProtoUint8:      "uint8",
	onnx.TensorProtoInt8:       "int8",
	onnx.TensorProtoUint16:     "uint16",
	onnx.TensorProtoInt16:      "int16",
	onnx.TensorProtoInt32:      "int32",
	onnx.TensorProtoInt64:      "int64",
	onnx.TensorProtoString:     "string",
	onnx.TensorProtoBool:       "bool",
	onnx.TensorProtoFloat16:    "float16",
	onnx.TensorProtoDouble:     "float64",
	onnx.TensorProtoUint32:     "uint32",
	onnx.TensorProtoUint64:     "uint64",
	onnx.TensorProtoComplex64:  "complex64",
	onnx.TensorProtoComplex128: "complex128",
	onnx.TensorProtoBfloat16:   "bfloat16",
}

func dataTypeName(t int32) string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", t)
}
