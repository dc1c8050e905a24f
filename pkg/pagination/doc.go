// Package pagination provides serial, cursor-following page iteration for
// rate-limited APIs.
//
// Pages are fetched strictly in the order the server links them. Every page
// is validated against the previous one: the offset must strictly increase
// and the next link must never point to a URL already fetched. Either
// violation is a fatal *AnomalyError; no further requests are issued.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(apiClient, github.SearchDecoder{ResultCap: 1000})
//	it := fetcher.Iterate(searchURL, nil)
//	for {
//		page, err := it.Next(ctx)
//		if errors.Is(err, pagination.ErrDone) {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		// handle page.Items
//	}
//
// Source specific response formats are handled by a Decoder.
package pagination
