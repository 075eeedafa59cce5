package main

import (
	"fmt"
	"os"

	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/spf13/cobra"
)

func newRequestCmd(a *app) *cobra.Command {
	var (
		params   []string
		bodyFile string
	)

	cmd := &cobra.Command{
		Use:   "request METHOD BASE TABLE",
		Short: "Send a single request and print the returned page",
		Long: `Sends one request without following offsets. GET and DELETE carry the
parameters in the URL; POST, PATCH and PUT send them as a JSON body.
--body-file supplies a JSON object; --param pairs are applied on top.`,
		Example: `  airtable request GET appX Tasks -p pageSize=5
  airtable request POST appX Tasks --body-file new-records.json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requestParams(bodyFile, params)
			if err != nil {
				return err
			}
			cred, err := a.credential()
			if err != nil {
				return err
			}

			page, err := a.client.Request(commandContext(cmd), args[0], cred, args[1], args[2], p)
			if err != nil {
				return err
			}
			if page.Raw != nil {
				return writeJSON(cmd.OutOrStdout(), page.Raw)
			}
			return writeJSON(cmd.OutOrStdout(), page)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter key=value (repeatable)")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "JSON object file with request parameters")
	return cmd
}

func requestParams(bodyFile string, pairs []string) (*query.Params, error) {
	p := query.New()
	if bodyFile != "" {
		data, err := os.ReadFile(bodyFile)
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		p, err = query.ParseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse body file %s: %w", bodyFile, err)
		}
	}

	extra, err := parseParams(pairs)
	if err != nil {
		return nil, err
	}
	for _, k := range extra.Keys() {
		v, _ := extra.Get(k)
		p.Set(k, v)
	}
	return p, nil
}
