// Package plugin provides JavaScript plugin support for custom RPC methods.
//
// Plugins are JavaScript files loaded from a directory at startup.
// Each plugin must define:
//   - A @method directive specifying the RPC method name
//   - An execute(params, upstream) function
//
// Example plugin:
//
//	// @method custom_codeHashes
//	function execute(params, upstream) {
//	    var calls = params.map(function(addr) {
//	        return { method: "eth_getCode", params: [addr, "latest"] };
//	    });
//	    var codes = upstream.batchCall(calls);
//	    return codes.map(function(code) {
//	        return utils.keccak256(code);
//	    });
//	}
//
// Calls made through the upstream object ride the same batching
// dispatcher as regular client traffic.
package plugin
