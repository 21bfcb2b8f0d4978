// Package filtering narrows an enumerated catalog before selection.
//
// Two rules are applied in order:
//
//   - Kind: videos are dropped unless the configuration admits them.
//   - Name: filenames are matched against include/exclude glob patterns.
//     Exclude takes precedence over include, and an empty include list admits
//     everything that is not excluded.
//
// Name patterns use gobwas/glob and match case-insensitively, so "*.jpg" also
// matches "IMG_0001.JPG". Examples:
//
//   - "IMG_*" matches "IMG_0001.jpg"
//   - "*.heic" matches "photo.HEIC"
//   - "screenshot*" excludes "Screenshot 2026-01-01.png"
package filtering
