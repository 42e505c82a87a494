// Package stdio is a UI adapter speaking newline-delimited JSON-RPC 2.0 over
// stdin/stdout. It lets a front-end run the authenticator as a subprocess.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 front-end
//	Requests         : see internal/rpc (discover, snapshot, register, ...)
//	Notifications    : controller events (snapshotChanged, codeForCopy,
//	                   infoChanged, error, warning) and tick
//	Clipboard        : written by the adapter from the copyCode reply
//
// Example session:
//
//	-> {"jsonrpc":"2.0","id":1,"method":"discover"}
//	<- {"jsonrpc":"2.0","method":"snapshotChanged","params":{"device_present":true,...}}
//	<- {"jsonrpc":"2.0","result":{"id":"...","snapshot":{...}},"id":1}
package stdio
