// Package core contains the credential lifecycle and request signing logic:
// credential records and stores, the credential manager, the request
// dispatcher and the JS-SDK signature engine. Adapters depend on this
// package; core does not depend on transport or storage adapters.
package core
