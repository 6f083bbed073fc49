// Package artifact stores the uploaded payload of each assembly version.
//
// An artifact is a zip archive extracted under <base>/<slug(name)>/<version>.
// The extracted directory carries a YAML manifest (puddle.yaml by default)
// that lists the entries the plugin loader may run.
package artifact
