// Package locator asks pkg-config whether the native library is already
// installed. A miss is a normal outcome that sends the pipeline on to
// provisioning; only cancellation is reported as an error.
package locator
