// Package storage is a client for the storage HTTP service. The Client type
// exposes the service's operations (Save, Search, Get, Delete, Update and
// SetDefaultCollectionType) as stateless calls returning the raw
// *http.Response. Non-2xx responses become *HTTPError values unless the call
// is made with Unchecked, and WithStatusMapper rewrites the reported code.
//
// Tx scopes a group of calls under one transaction id that the service uses
// to correlate them. The id travels as the tid query parameter, and the scope
// ends with a single POST /storage/transaction/end carrying rollback=true
// when the work failed. WithTransaction wraps this so the completion signal
// is sent on every exit path:
//
//	err := client.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
//		resp, err := tx.Save(ctx, storage.SaveRequest{Name: "users", Value: docs})
//		if err != nil {
//			return err
//		}
//		storage.Discard(resp)
//		return nil
//	})
//
// Resume binds a Tx to an id minted by another process sharing the
// transaction.
//
// The client implements no atomicity of its own; commit and rollback are
// carried out by the service. NewFromEnv selects between the HTTP service
// and the in-process mock in package mock.
package storage
