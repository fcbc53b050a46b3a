// Copyright 2026 Gradir ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package ir

import "github.com/gradir-ml/gradir/internal/irtext"

// Parse reads a module from its textual form. The form produced by
// Module.String round-trips.
func Parse(src string) (*Module, error) { return irtext.Parse(src) }
