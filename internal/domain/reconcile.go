package domain

import "slices"

// Reconcile merges an incoming manifest into the stored one.
//
// With nothing stored the incoming manifest is taken as is. Otherwise the
// stored config is replaced only when the incoming config declares a size,
// and layers are only ever appended: when the incoming manifest lists more
// layers than stored, its trailing len(incoming)-len(stored) layers are added
// in order. Existing layers are never removed or reordered.
func Reconcile(stored *ImageManifest, incoming ImageManifest) ImageManifest {
	if stored == nil {
		merged := incoming
		merged.Layers = slices.Clone(incoming.Layers)
		if merged.Layers == nil {
			merged.Layers = []Layer{}
		}
		return merged
	}

	merged := *stored
	merged.Layers = slices.Clone(stored.Layers)
	if merged.Layers == nil {
		merged.Layers = []Layer{}
	}

	if incoming.Config.Size != nil {
		merged.Config = incoming.Config
	}

	if n := len(stored.Layers); len(incoming.Layers) > n {
		merged.Layers = append(merged.Layers, incoming.Layers[n:]...)
	}

	return merged
}
