// Package testutil holds test doubles shared across packages.
package testutil
