// Package settings implements the parameters controller.
//
// The controller owns the current Parameters of an installation. A change
// is applied as a sync "new parameters" message: every affected module
// answers with its "old parameters" and "new parameters" sections, or with
// an error. If any module fails, the controller sends a second sync
// "new parameters" with "is reverting" set, built from the old sections it
// collected, and then surfaces each error with "show error". If every module
// succeeds, it records the change, announces "updated parameters", waits for
// a "module ready" from every module that declared "wait for" on it, and
// finally sends "parameters applied".
//
// Requests arriving while a change is in progress are queued and applied
// one after another.
package settings
