// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package registry defines the tool contract and the plugin registry.

Every activity variant implements Tool: open seeds configuration from an
upstream input bundle, close finalizes an output bundle, snapshot feeds
autosave, and the transfer hooks let a facilitator hand items to a
different activity type. The registry resolves tool-type strings to
implementations; built-ins register first, then an external plugin
directory is merged on top (later registration wins), and the whole map
freezes once warm-up finishes.

External plugins are .go files evaluated with yaegi. Each exports

	func ToolDefinitions() []map[string]any

where every definition names a built-in behavior it specializes plus the
manifest (tool_type, label, default_config, reliability_policy) the
catalog should show for it.
*/
package registry
