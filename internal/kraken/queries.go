package kraken

const (
	opObtainToken     = "obtainKrakenToken"
	opAccounts        = "getAccountNames"
	opBilling         = "getAccountBillingInfo"
	opDevices         = "getDevices"
	opSetPreferences  = "setDevicePreferences"
	opTriggerBoost    = "triggerBoostCharge"
	ledgerElectricity = "SPAIN_ELECTRICITY_LEDGER"
	ledgerSolarWallet = "SOLAR_WALLET_LEDGER"
)

const obtainTokenMutation = `mutation obtainKrakenToken($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) {
    token
  }
}`

const accountsQuery = `query getAccountNames {
  viewer {
    accounts {
      ... on Account {
        number
      }
    }
  }
}`

const billingQuery = `query getAccountBillingInfo($account: String!) {
  accountBillingInfo(accountNumber: $account) {
    ledgers {
      ledgerType
      statementsWithDetails(first: 1) {
        edges {
          node {
            amount
            consumptionStartDate
            consumptionEndDate
            issuedDate
          }
        }
      }
      balance
    }
  }
}`

const devicesQuery = `query getDevices($account: String!) {
  devices(accountNumber: $account) {
    id
    name
    deviceType
    status {
      current
      currentState
      isSuspended
      stateOfChargeLimit {
        isLimitViolated
        timestamp
        upperSocLimit
      }
    }
    alerts {
      message
      publishedAt
    }
    ... on SmartFlexVehicle {
      make
      model
      integrationDeviceId
      chargePointVariant {
        amperage
        integrationStatus
        isIntegrationLive
        model
        powerInKw
        variantId
      }
      preferences {
        schedules {
          dayOfWeek
          time
          max
        }
        mode
        unit
      }
    }
  }
}`

const setPreferencesMutation = `mutation setDevicePreferences($input: SmartFlexDevicePreferencesInput!) {
  setDevicePreferences(input: $input) {
    id
  }
}`

const triggerBoostMutation = `mutation triggerBoostCharge($input: AccountNumberInput!) {
  triggerBoostCharge(input: $input) {
    id
  }
}`
