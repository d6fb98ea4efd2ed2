// Package provisioner runs the provisioning pipeline:
// probe with pkg-config, then fetch, extract and install the prebuilt
// library when the probe misses, and finally declare it to the linker.
//
// Stages run strictly in order; the first error aborts the run and nothing
// already written is rolled back.
package provisioner
