// Package dfu holds the data types that are shared between the firmware update
// session controller, the transfer engines and the presentation layer.
//
// Session states and events are closed sets of variant types. Callers switch
// over them with type switches:
//
//	switch s := state.(type) {
//	case dfu.Uploading:
//		fmt.Println(s.Percent)
//	case dfu.Failed:
//		fmt.Println(s.Message)
//	}
package dfu
