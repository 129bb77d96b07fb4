package blob

import "path"

// Storage layout: every study's objects live under its owner scope so
// tenants never share a prefix.

// SourceKey addresses the canonical uploaded volume.
func SourceKey(ownerScope, studyID string) string {
	return path.Join("uploads", ownerScope, studyID, "file.npz")
}

// ImageKey addresses the materialized image volume.
func ImageKey(ownerScope, studyID string) string {
	return path.Join("results", ownerScope, studyID, "image.nii.gz")
}

// MaskKey addresses the materialized segmentation mask.
func MaskKey(ownerScope, studyID string) string {
	return path.Join("results", ownerScope, studyID, "mask.nii.gz")
}
