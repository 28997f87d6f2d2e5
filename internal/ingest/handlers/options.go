package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
)

// OptionsHandler records the build's command line and metadata: raw argv from
// UnstructuredCommandLine, canonicalized option groups from OptionsParsed,
// and key=value pairs from BuildMetadata. Order within each kind is the
// order the build tool reported.
type OptionsHandler struct{}

func (h *OptionsHandler) Name() string { return "options" }

func (h *OptionsHandler) Handle(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	opts := &invocation.BuildOptions{}

	switch {
	case ev.Unstructured != nil:
		opts.Unstructured = ev.Unstructured.Args

	case ev.OptionsParsed != nil:
		opts.Startup = ev.OptionsParsed.StartupOptions
		opts.ExplicitStartup = ev.OptionsParsed.ExplicitStartupOptions
		opts.CmdLine = ev.OptionsParsed.CmdLine
		opts.ExplicitCmdLine = ev.OptionsParsed.ExplicitCmdLine

	case ev.BuildMetadata != nil:
		// Proto map order is unspecified; sort so replays store identical rows.
		keys := make([]string, 0, len(ev.BuildMetadata.Metadata))
		for k := range ev.BuildMetadata.Metadata {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			opts.BuildMetadata = append(opts.BuildMetadata, k+"="+ev.BuildMetadata.Metadata[k])
		}
	}

	if opts.Empty() {
		return nil
	}

	if err := store.InsertOptions(ctx, invocationID, opts); err != nil {
		return fmt.Errorf("record options: %w", err)
	}

	return nil
}
