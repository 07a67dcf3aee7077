// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qerr

import (
	"fmt"
	"runtime"
	"strings"
)

const maxStackDepth = 32

type stackTrace []uintptr

func callers(skip int) stackTrace {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	return stackTrace(pcs[:n])
}

func (st stackTrace) Format(s fmt.State, verb rune) {
	if verb != 'v' {
		return
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(st)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "\n%s\n\t%s:%d", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	fmt.Fprint(s, sb.String())
}
