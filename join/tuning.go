// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package join

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// tuningYAML mirrors Tuning's fields with json tags (which
// sigs.k8s.io/yaml reads for YAML documents); kept separate so
// Tuning itself stays free of serialization concerns.
type tuningYAML struct {
	MinFanOut         int     `json:"minFanOut,omitempty"`
	MaxFanOut         int     `json:"maxFanOut,omitempty"`
	MaxWriteBehind    int     `json:"maxWriteBehind,omitempty"`
	BucketUtilization float64 `json:"bucketUtilization,omitempty"`
}

// LoadTuning reads a Tuning override from a YAML file at path. A
// field absent from the document keeps Tuning's default for that
// field, since both the document keys and the Tuning fields are
// omitempty-shaped around the zero value.
func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("join: reading tuning file: %w", err)
	}
	var doc tuningYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Tuning{}, fmt.Errorf("join: parsing tuning file: %w", err)
	}
	return Tuning{
		MinFanOut:         doc.MinFanOut,
		MaxFanOut:         doc.MaxFanOut,
		MaxWriteBehind:    doc.MaxWriteBehind,
		BucketUtilization: doc.BucketUtilization,
	}, nil
}
