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

package player

import (
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

// ParamPassthrough is set on decoders whose input goes to the renderer
// undecoded.
const ParamPassthrough = "passthrough"

// DecoderFactory builds passthrough processors for decoders flagged with
// ParamPassthrough and defers to decode for everything else.
func DecoderFactory(decode softil.ProcessorFactory) softil.ProcessorFactory {
	return func(params softil.Params) (softil.Processor, error) {
		if pass, _ := params[ParamPassthrough].(bool); pass {
			return softil.NewPassthrough(params)
		}

		return decode(params)
	}
}
