// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package demux

import (
	"math/big"
	"strings"
	"time"

	"github.com/asticode/go-astiav"
)

var ioFormatFlagStrings = map[astiav.IOFormatFlag]string{
	astiav.IOFormatFlagNofile:       "IOFormatFlagNofile",
	astiav.IOFormatFlagNeednumber:   "IOFormatFlagNeednumber",
	astiav.IOFormatFlagShowIds:      "IOFormatFlagShowIds",
	astiav.IOFormatFlagGlobalheader: "IOFormatFlagGlobalheader",
	astiav.IOFormatFlagNotimestamps: "IOFormatFlagNotimestamps",
	astiav.IOFormatFlagGenericIndex: "IOFormatFlagGenericIndex",
	astiav.IOFormatFlagTsDiscont:    "IOFormatFlagTsDiscont",
	astiav.IOFormatFlagVariableFps:  "IOFormatFlagVariableFps",
	astiav.IOFormatFlagNodimensions: "IOFormatFlagNodimensions",
	astiav.IOFormatFlagNostreams:    "IOFormatFlagNostreams",
	astiav.IOFormatFlagNobinsearch:  "IOFormatFlagNobinsearch",
	astiav.IOFormatFlagNogensearch:  "IOFormatFlagNogensearch",
	astiav.IOFormatFlagNoByteSeek:   "IOFormatFlagNoByteSeek",
	astiav.IOFormatFlagAllowFlush:   "IOFormatFlagAllowFlush",
	astiav.IOFormatFlagTsNonstrict:  "IOFormatFlagTsNonstrict",
	astiav.IOFormatFlagTsNegative:   "IOFormatFlagTsNegative",
	astiav.IOFormatFlagSeekToPts:    "IOFormatFlagSeekToPts",
}

// ioFormatFlagsToString returns a string representation of astiav.IOFormatFlags.
func ioFormatFlagsToString(flags astiav.IOFormatFlags) string {
	var setFlags []string

	for bit, name := range ioFormatFlagStrings {
		if flags&astiav.IOFormatFlags(bit) != 0 {
			setFlags = append(setFlags, name)
		}
	}

	return strings.Join(setFlags, " | ")
}

// ptsToDuration converts pts to a time.Duration.
func ptsToDuration(pts int64, timeBase astiav.Rational) time.Duration {
	if pts == astiav.NoPtsValue {
		return NoPTS
	}

	return ticksToDuration(pts, int64(timeBase.Num()), int64(timeBase.Den()))
}

// ticksToDuration scales ticks of num/den seconds without overflowing on
// long inputs with fine time bases.
func ticksToDuration(ticks, num, den int64) time.Duration {
	if den == 0 {
		return 0
	}

	durBig := new(big.Int).Mul(big.NewInt(ticks), big.NewInt(int64(time.Second)))
	durBig.Mul(durBig, big.NewInt(num)).Div(durBig, big.NewInt(den))

	return time.Duration(durBig.Int64())
}

// durationToPts converts a time.Duration to pts.
func durationToPts(duration time.Duration, timeBase astiav.Rational) int64 {
	if timeBase.Num() == 0 {
		return 0
	}

	// Using float math here in order to round to the nearest integer.
	// e.g. pts 23.99 should round to 24, not 23.
	return int64(duration.Seconds()*float64(timeBase.Den())/
		float64(timeBase.Num()) + 0.5)
}
