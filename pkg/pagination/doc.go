// Package pagination follows Airtable's offset continuation tokens.
//
// Airtable returns at most 100 records per request (pageSize, default 100)
// and includes an opaque "offset" token while more records remain. Each
// request depends on the token returned by the previous one, so pages are
// fetched strictly one after another with a pause in between to stay under
// the 5 requests/second ceiling.
//
// Example usage:
//
//	f := pagination.NewFetcher(pageFetcher, ratelimit.NewFixedDelay(ratelimit.DefaultPageDelay), logger)
//	records, err := f.FetchAll(ctx, query.New().Set(query.KeyView, "Grid view"))
//
// The fetcher:
//   - Issues at least one request
//   - Forwards each returned offset verbatim as the next request's "offset"
//   - Waits only between requests, never before the first or after the last
//   - Aborts on the first failing page and returns no partial result
package pagination
