// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import "errors"

var errBoom = errors.New("x11test: injected failure")
