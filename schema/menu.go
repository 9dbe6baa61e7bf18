package schema

// MenuItemID identifies an item on the menu surface.
type MenuItemID string

const (
	MenuTabStats           MenuItemID = "tab-stats"
	MenuUnloadCurrent      MenuItemID = "unload-current-tab"
	MenuUnloadAllButRecent MenuItemID = "unload-all-but-recent"
	MenuSeparator          MenuItemID = "separator-1"
	MenuAutoUnloadToggle   MenuItemID = "auto-unload-toggle"
	MenuTabParent          MenuItemID = "tab-unloader-parent"
	MenuTabUnloadOthers    MenuItemID = "tab-unload-all-others"
	MenuTabAutoUnload      MenuItemID = "tab-auto-unload-toggle"

	// MenuAction is the toolbar button itself rather than a menu entry.
	MenuAction MenuItemID = "action"
)

// MenuItemType distinguishes plain, checkbox and separator items.
type MenuItemType string

const (
	MenuItemNormal    MenuItemType = "normal"
	MenuItemCheckbox  MenuItemType = "checkbox"
	MenuItemSeparator MenuItemType = "separator"
)

// MenuContext names where an item is shown.
type MenuContext string

const (
	// MenuContextAction is the toolbar button context menu.
	MenuContextAction MenuContext = "action"
	// MenuContextTab is the tab strip context menu.
	MenuContextTab MenuContext = "tab"
)

// MenuItem describes an item to create on the menu surface.
type MenuItem struct {
	ID       MenuItemID    `json:"id"`
	ParentID MenuItemID    `json:"parent_id,omitempty"`
	Type     MenuItemType  `json:"type"`
	Title    string        `json:"title,omitempty"`
	Contexts []MenuContext `json:"contexts"`
	Enabled  bool          `json:"enabled"`
	Visible  bool          `json:"visible"`
	Checked  bool          `json:"checked,omitempty"`
}

// MenuUpdate carries the fields to change on an existing item. Nil fields are left untouched.
type MenuUpdate struct {
	Title   *string `json:"title,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
	Visible *bool   `json:"visible,omitempty"`
	Checked *bool   `json:"checked,omitempty"`
}

// Apply returns item with the update applied.
func (u MenuUpdate) Apply(item MenuItem) MenuItem {
	if u.Title != nil {
		item.Title = *u.Title
	}
	if u.Enabled != nil {
		item.Enabled = *u.Enabled
	}
	if u.Visible != nil {
		item.Visible = *u.Visible
	}
	if u.Checked != nil {
		item.Checked = *u.Checked
	}
	return item
}

// MenuShown is delivered when a menu opens.
type MenuShown struct {
	Contexts []MenuContext `json:"contexts"`
}

// MenuClick is delivered when an item is clicked.
type MenuClick struct {
	ItemID  MenuItemID `json:"item_id"`
	Checked bool       `json:"checked"`
}
