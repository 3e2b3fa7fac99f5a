// Package model holds the types shared by the dashfeed engine: device records,
// telemetry points, event envelopes and widget data-source descriptors.
package model

// Placeholder is shown when a source has never produced a valid value and no
// default is configured.
const Placeholder = "--"
