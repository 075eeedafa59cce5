package main

import (
	"github.com/Sternrassler/airtable-client/pkg/client"
	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	params     []string
	fields     []string
	maxRecords int
	pageSize   int
	formula    string
	view       string
	retries    int
}

func newQueryCmd(a *app) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query BASE TABLE",
		Short: "Fetch every matching record of a table",
		Long: `Fetches all pages of a table and prints the records as one JSON array.
A failing page aborts the query and nothing is printed.`,
		Example: `  airtable query appphImnhJO8AXmmo "Table 1" --max-records 2
  airtable query appX Tasks --field Name --field Status --formula "{Done}=0"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runQuery(cmd, opts, args[0], args[1])
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.params, "param", "p", nil, "raw query parameter key=value (repeatable)")
	f.StringArrayVarP(&opts.fields, "field", "f", nil, "only return this field (repeatable)")
	f.IntVar(&opts.maxRecords, "max-records", 0, "maximum records across all pages")
	f.IntVar(&opts.pageSize, "page-size", 0, "records per page (max 100)")
	f.StringVar(&opts.formula, "formula", "", "filterByFormula expression")
	f.StringVar(&opts.view, "view", "", "view name or id")
	f.IntVar(&opts.retries, "retries", 1, "attempts for the whole query on retryable errors")
	return cmd
}

// build merges raw --param pairs with the typed flags, in that order.
func (o *queryOptions) build() (*query.Params, error) {
	p, err := parseParams(o.params)
	if err != nil {
		return nil, err
	}
	for _, field := range o.fields {
		addParam(p, query.KeyFields, field)
	}
	if o.maxRecords > 0 {
		p.Set(query.KeyMaxRecords, o.maxRecords)
	}
	if o.pageSize > 0 {
		p.Set(query.KeyPageSize, o.pageSize)
	}
	if o.formula != "" {
		p.Set(query.KeyFilterByFormula, o.formula)
	}
	if o.view != "" {
		p.Set(query.KeyView, o.view)
	}
	return p, nil
}

func (a *app) runQuery(cmd *cobra.Command, opts *queryOptions, baseID, table string) error {
	params, err := opts.build()
	if err != nil {
		return err
	}
	cred, err := a.credential()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	var records []client.Record
	if opts.retries > 1 {
		rc := client.DefaultRetryConfig()
		rc.MaxAttempts = opts.retries
		records, err = a.client.QueryWithRetry(ctx, rc, cred, baseID, table, params)
	} else {
		records, err = a.client.Query(ctx, cred, baseID, table, params)
	}
	if err != nil {
		return err
	}

	return writeJSON(cmd.OutOrStdout(), records)
}
